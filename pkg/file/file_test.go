package file

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileService_IsFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "present.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a: 1"), 0600))

	fs := NewFileService()

	exists, err := fs.IsFileExists(path)
	assert.NoError(t, err)
	assert.True(t, exists)

	exists, err = fs.IsFileExists(filepath.Join(dir, "missing.yaml"))
	assert.NoError(t, err)
	assert.False(t, exists)
}

func TestFileService_ReadFileRaw(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("cert"), 0600))

	data, err := NewFileService().ReadFileRaw(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("cert"), data)

	_, err = NewFileService().ReadFileRaw(filepath.Join(dir, "nope"))
	assert.Error(t, err)
}
