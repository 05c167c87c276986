package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextRunAt(t *testing.T) {
	now := time.Date(2025, 3, 13, 4, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 13, 6, 0, 0, 0, time.UTC), nextRunAt(now, 6))

	// Already past today's slot: tomorrow.
	now = time.Date(2025, 3, 13, 6, 0, 1, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 14, 6, 0, 0, 0, time.UTC), nextRunAt(now, 6))

	// Exactly at the slot: tomorrow, never a zero wait.
	now = time.Date(2025, 3, 13, 6, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 3, 14, 6, 0, 0, 0, time.UTC), nextRunAt(now, 6))
}

func TestSetIntervalsKeepsDefaultsOnZero(t *testing.T) {
	p := NewPool(nil, nil, nil, nil)
	p.SetIntervals(0, 5*time.Minute, 0)

	assert.Equal(t, DefaultRefreshInterval, p.refreshInterval)
	assert.Equal(t, 5*time.Minute, p.verifyInterval)
	assert.Equal(t, DefaultDispatchInterval, p.dispatchInterval)
}
