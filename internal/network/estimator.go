package network

import (
	"time"

	"possync/internal/models"
)

const latencyAlpha = 0.3

// Quality thresholds.
const (
	goodLatency   = 300 * time.Millisecond
	fairLatency   = 1000 * time.Millisecond
	goodErrorRate = 0.10
	fairErrorRate = 0.30
)

// estimator tracks the outcome of the last N requests and a smoothed latency.
// Not safe for concurrent use; Monitor serializes access.
type estimator struct {
	window      []bool // true = failure
	next        int
	filled      int
	failures    int
	consecutive int
	latency     float64 // EWMA in milliseconds
	hasLatency  bool
}

func newEstimator(size int) *estimator {
	if size <= 0 {
		size = 20
	}
	return &estimator{window: make([]bool, size)}
}

func (e *estimator) push(failed bool) {
	if e.filled == len(e.window) {
		if e.window[e.next] {
			e.failures--
		}
	} else {
		e.filled++
	}
	e.window[e.next] = failed
	if failed {
		e.failures++
	}
	e.next = (e.next + 1) % len(e.window)
}

func (e *estimator) success(latency time.Duration) {
	e.push(false)
	e.consecutive = 0
	ms := float64(latency) / float64(time.Millisecond)
	if !e.hasLatency {
		e.latency = ms
		e.hasLatency = true
		return
	}
	e.latency = latencyAlpha*ms + (1-latencyAlpha)*e.latency
}

func (e *estimator) failure() {
	e.push(true)
	e.consecutive++
}

func (e *estimator) samples() int { return e.filled }

func (e *estimator) errorRate() float64 {
	if e.filled == 0 {
		return 0
	}
	return float64(e.failures) / float64(e.filled)
}

// reset clears the outcome window but keeps the latency estimate.
func (e *estimator) reset() {
	for i := range e.window {
		e.window[i] = false
	}
	e.next, e.filled, e.failures, e.consecutive = 0, 0, 0, 0
}

func (e *estimator) quality() models.NetworkQuality {
	if e.filled == 0 {
		return models.QualityUnknown
	}
	rate := e.errorRate()
	latency := time.Duration(e.latency * float64(time.Millisecond))
	switch {
	case e.hasLatency && latency < goodLatency && rate < goodErrorRate:
		return models.QualityGood
	case e.hasLatency && latency < fairLatency && rate < fairErrorRate:
		return models.QualityFair
	default:
		return models.QualityPoor
	}
}
