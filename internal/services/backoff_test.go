package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Sequence(t *testing.T) {
	base := 1000 * time.Millisecond
	max := 5000 * time.Millisecond

	want := []time.Duration{1000, 2000, 4000, 5000, 5000}
	for attempt, ms := range want {
		assert.Equal(t, ms*time.Millisecond, Backoff(attempt, base, max), "attempt %d", attempt)
	}
}

func TestBackoff_Bounds(t *testing.T) {
	assert.Equal(t, time.Second, Backoff(-3, time.Second, 5*time.Second))
	assert.Equal(t, 5*time.Second, Backoff(1000, time.Second, 5*time.Second))
	assert.Equal(t, 2*time.Second, Backoff(0, 3*time.Second, 2*time.Second))
}
