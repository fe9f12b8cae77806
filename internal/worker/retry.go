package worker

import (
	"time"

	"possync/internal/config"
)

const (
	defaultInitialDelay = time.Second
	defaultBackoff      = 2.0
)

// RetryPolicy spaces out attempts of a failed operation: the wait after the
// n-th failure is InitialDelay*BackoffFactor^(n-1), capped at MaxDelay.
type RetryPolicy struct {
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
	}
}

// Backoff returns how long an operation that has failed `failures` times
// waits before it becomes eligible again.
func (r RetryPolicy) Backoff(failures int) time.Duration {
	base := r.InitialDelay
	if base <= 0 {
		base = defaultInitialDelay
	}
	factor := r.BackoffFactor
	if factor <= 1 {
		factor = defaultBackoff
	}

	wait := base
	for i := 1; i < failures; i++ {
		if r.MaxDelay > 0 && wait >= r.MaxDelay {
			break
		}
		next := time.Duration(float64(wait) * factor)
		if next <= wait {
			// overflowed
			if r.MaxDelay > 0 {
				wait = r.MaxDelay
			}
			break
		}
		wait = next
	}
	if r.MaxDelay > 0 && wait > r.MaxDelay {
		wait = r.MaxDelay
	}
	return wait
}
