package network

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEstimatorWindowRolls(t *testing.T) {
	e := newEstimator(4)
	for i := 0; i < 4; i++ {
		e.failure()
	}
	assert.Equal(t, 4, e.samples())
	assert.Equal(t, 1.0, e.errorRate())

	e.success(10 * time.Millisecond)
	e.success(10 * time.Millisecond)
	assert.Equal(t, 4, e.samples())
	assert.Equal(t, 0.5, e.errorRate())
	assert.Zero(t, e.consecutive)

	e.reset()
	assert.Zero(t, e.samples())
	assert.Zero(t, e.errorRate())
	assert.True(t, e.hasLatency, "latency survives reset")
}

func TestEstimatorEWMA(t *testing.T) {
	e := newEstimator(0)
	assert.Len(t, e.window, 20)

	e.success(100 * time.Millisecond)
	assert.InDelta(t, 100, e.latency, 0.001)

	e.success(200 * time.Millisecond)
	assert.InDelta(t, 130, e.latency, 0.001)
}
