// Package diagnostics runs the sync engine against a fake backend under
// simulated network conditions. It is used by `possync diagnose` and tests;
// production wiring never constructs Conditions.
package diagnostics

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"possync/internal/executor"
	"possync/internal/models"
	"possync/internal/network"
)

var (
	ErrSimulatedOffline = errors.New("simulated offline")
	ErrSimulatedLoss    = errors.New("simulated packet loss")
)

// Conditions is a mutable set of simulated network impairments shared by
// every wrapper built from it.
type Conditions struct {
	mu      sync.Mutex
	offline bool
	latency time.Duration
	loss    float64
	rng     *rand.Rand
}

// ConditionsSnapshot is the current simulated state.
type ConditionsSnapshot struct {
	Offline    bool          `json:"offline"`
	Latency    time.Duration `json:"latency"`
	PacketLoss float64       `json:"packet_loss"`
}

// NewConditions returns unimpaired conditions. The seed makes packet loss
// reproducible.
func NewConditions(seed uint64) *Conditions {
	return &Conditions{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (c *Conditions) SetOffline(offline bool) {
	c.mu.Lock()
	c.offline = offline
	c.mu.Unlock()
}

func (c *Conditions) SetLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.mu.Lock()
	c.latency = d
	c.mu.Unlock()
}

// SetPacketLoss sets the probability in [0,1] that a call is dropped.
func (c *Conditions) SetPacketLoss(rate float64) {
	switch {
	case rate < 0:
		rate = 0
	case rate > 1:
		rate = 1
	}
	c.mu.Lock()
	c.loss = rate
	c.mu.Unlock()
}

func (c *Conditions) Snapshot() ConditionsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConditionsSnapshot{Offline: c.offline, Latency: c.latency, PacketLoss: c.loss}
}

// Reset clears every impairment.
func (c *Conditions) Reset() {
	c.mu.Lock()
	c.offline, c.latency, c.loss = false, 0, 0
	c.mu.Unlock()
}

func (c *Conditions) dropped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loss > 0 && c.rng.Float64() < c.loss
}

// before applies latency and the offline switch ahead of a call.
func (c *Conditions) before(ctx context.Context) error {
	snap := c.Snapshot()
	if snap.Latency > 0 {
		t := time.NewTimer(snap.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if snap.Offline {
		return ErrSimulatedOffline
	}
	return nil
}

// Prober wraps next so probes see the simulated conditions.
func (c *Conditions) Prober(next network.Prober) network.Prober {
	return network.ProberFunc(func(ctx context.Context) (time.Duration, error) {
		start := time.Now()
		if err := c.before(ctx); err != nil {
			return time.Since(start), err
		}
		if c.dropped() {
			return time.Since(start), ErrSimulatedLoss
		}
		_, err := next.Probe(ctx)
		return time.Since(start), err
	})
}

// LinkChecker reports the link as down while forced offline.
func (c *Conditions) LinkChecker() network.LinkChecker {
	return network.LinkFunc(func() bool {
		return !c.Snapshot().Offline
	})
}

type roundTripper struct {
	c    *Conditions
	next http.RoundTripper
}

// RoundTripper wraps next. Lost packets drop the response after the request
// reached the server, so the backend may have applied the effect.
func (c *Conditions) RoundTripper(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &roundTripper{c: c, next: next}
}

func (t *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.c.before(req.Context()); err != nil {
		return nil, err
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if t.c.dropped() {
		resp.Body.Close()
		return nil, ErrSimulatedLoss
	}
	return resp, nil
}

// Middleware applies the conditions to every executor call, for transports
// without a RoundTripper such as gRPC.
func (c *Conditions) Middleware() executor.Middleware {
	return func(_ models.OperationType, next executor.Executor) executor.Executor {
		return func(ctx context.Context, req executor.Request) error {
			if err := c.before(ctx); err != nil {
				return executor.NetworkError(err)
			}
			if err := next(ctx, req); err != nil {
				return err
			}
			if c.dropped() {
				return executor.NetworkError(ErrSimulatedLoss)
			}
			return nil
		}
	}
}
