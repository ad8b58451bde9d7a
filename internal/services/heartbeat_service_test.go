package services

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	connected atomic.Bool
	mu        sync.Mutex
	sent      []string
}

func (r *recordingSender) Send(event string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, event)
	return nil
}

func (r *recordingSender) IsConnected() bool { return r.connected.Load() }

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestHeartbeatService_PingsOnlyWhileConnected(t *testing.T) {
	sender := &recordingSender{}
	hb := NewHeartbeatService(5*time.Millisecond, sender, zerolog.Nop())

	require.NoError(t, hb.Start())
	defer func() { _ = hb.Stop() }()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, sender.count())

	sender.connected.Store(true)
	assert.Eventually(t, func() bool { return sender.count() >= 2 }, time.Second, 5*time.Millisecond)

	sender.mu.Lock()
	assert.Equal(t, "ping", sender.sent[0])
	sender.mu.Unlock()
}

func TestHeartbeatService_StartStop(t *testing.T) {
	hb := NewHeartbeatService(time.Hour, &recordingSender{}, zerolog.Nop())

	assert.ErrorIs(t, hb.Stop(), errHeartbeatStopped)
	require.NoError(t, hb.Start())
	assert.True(t, hb.Running())
	assert.ErrorIs(t, hb.Start(), errHeartbeatRunning)

	require.NoError(t, hb.Stop())
	assert.False(t, hb.Running())
	require.NoError(t, hb.Start())
	require.NoError(t, hb.Stop())
}

func TestHeartbeatService_DefaultInterval(t *testing.T) {
	hb := NewHeartbeatService(0, &recordingSender{}, zerolog.Nop())
	assert.Equal(t, 30*time.Second, hb.interval)
}
