// Package network decides whether the backend is reachable.
//
// The monitor combines a link signal with a rolling error-rate estimate fed by
// both probes and real request outcomes. Once offline, only a successful probe
// brings it back online.
package network

import (
	"context"
	"slices"
	"sync"
	"time"

	"possync/internal/metrics"
	"possync/internal/models"

	"github.com/rs/zerolog"
)

// Config holds monitor thresholds.
type Config struct {
	ProbeInterval        time.Duration
	OfflineProbeInterval time.Duration
	ProbeTimeout         time.Duration
	ErrorWindow          int
	MinSamples           int
	OfflineAfterErrors   int
	OfflineErrorRate     float64
}

func (c *Config) applyDefaults() {
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 5 * time.Second
	}
	if c.OfflineProbeInterval <= 0 {
		c.OfflineProbeInterval = 2 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = 20
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.OfflineAfterErrors <= 0 {
		c.OfflineAfterErrors = 3
	}
	if c.OfflineErrorRate <= 0 {
		c.OfflineErrorRate = 0.5
	}
}

// Listener receives state transitions.
type Listener func(prev, next models.NetworkState)

// Monitor tracks connectivity. All methods are safe for concurrent use.
type Monitor struct {
	cfg    Config
	prober Prober
	link   LinkChecker
	logger *zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	est       *estimator
	state     models.NetworkState
	listeners map[uint64]Listener
	nextID    uint64

	probeMu sync.Mutex

	lifeMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithLinkChecker replaces the default interface-based link detection.
func WithLinkChecker(l LinkChecker) Option {
	return func(m *Monitor) { m.link = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithSimulated flags every published state as produced under simulated conditions.
func WithSimulated() Option {
	return func(m *Monitor) { m.state.Simulated = true }
}

func NewMonitor(cfg Config, prober Prober, logger *zerolog.Logger, opts ...Option) *Monitor {
	cfg.applyDefaults()
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	m := &Monitor{
		cfg:       cfg,
		prober:    prober,
		link:      InterfaceLinkChecker{},
		logger:    logger,
		now:       time.Now,
		est:       newEstimator(cfg.ErrorWindow),
		listeners: make(map[uint64]Listener),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}

	linkUp := m.link.LinkUp()
	m.state.LinkUp = linkUp
	m.state.Online = linkUp
	m.state.Quality = models.QualityUnknown
	return m
}

// State returns the current snapshot.
func (m *Monitor) State() models.NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOnline reports the current online flag.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Online
}

// Subscribe registers fn for online or quality changes. The returned function
// removes the subscription.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// ReportSuccess records a successful backend request.
func (m *Monitor) ReportSuccess(latency time.Duration) {
	m.update(func(now time.Time) {
		m.est.success(latency)
		m.state.LastSuccessAt = &now
	})
}

// ReportFailure records a failed backend request.
func (m *Monitor) ReportFailure(err error) {
	m.update(func(now time.Time) {
		m.est.failure()
		if err != nil {
			m.state.LastError = err.Error()
		}
		if m.state.Online && m.degraded() {
			m.state.Online = false
		}
	})
}

// Probe runs one connectivity check and folds its outcome into the state.
func (m *Monitor) Probe(ctx context.Context) models.NetworkState {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	linkUp := m.link.LinkUp()
	if !linkUp {
		m.update(func(now time.Time) {
			m.state.LinkUp = false
			m.state.Online = false
			m.state.LastProbeAt = &now
			m.state.LastError = "network link down"
		})
		return m.State()
	}

	if m.prober == nil {
		m.update(func(now time.Time) {
			m.state.LinkUp = true
			m.state.LastProbeAt = &now
			if !m.state.Online && !m.degraded() {
				m.state.Online = true
			}
		})
		return m.State()
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	latency, err := m.prober.Probe(pctx)
	cancel()

	m.update(func(now time.Time) {
		m.state.LinkUp = true
		m.state.LastProbeAt = &now
		if err != nil {
			m.est.failure()
			m.state.LastError = err.Error()
			if m.state.Online && m.degraded() {
				m.state.Online = false
			}
			return
		}
		if !m.state.Online {
			// Recovery starts a fresh outcome window.
			m.est.reset()
			m.state.Online = true
		}
		m.est.success(latency)
		m.state.LastSuccessAt = &now
	})
	return m.State()
}

// degraded reports whether the error statistics call for going offline. mu must be held.
func (m *Monitor) degraded() bool {
	if m.est.consecutive >= m.cfg.OfflineAfterErrors {
		return true
	}
	return m.est.samples() >= m.cfg.MinSamples && m.est.errorRate() >= m.cfg.OfflineErrorRate
}

func (m *Monitor) update(mutate func(now time.Time)) {
	m.mu.Lock()
	prev := m.state
	mutate(m.now())
	m.state.Quality = m.est.quality()
	m.state.LatencyMs = m.est.latency
	m.state.ErrorRate = m.est.errorRate()
	m.state.ConsecutiveErrors = m.est.consecutive
	m.state.Samples = m.est.samples()
	next := m.state

	changed := prev.Online != next.Online || prev.Quality != next.Quality
	var listeners []Listener
	if changed {
		listeners = make([]Listener, 0, len(m.listeners))
		ids := make([]uint64, 0, len(m.listeners))
		for id := range m.listeners {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			listeners = append(listeners, m.listeners[id])
		}
	}
	m.mu.Unlock()

	metrics.SetNetwork(next.Online, next.LatencyMs)
	if !changed {
		return
	}

	if prev.Online != next.Online {
		event := m.logger.Info()
		if !next.Online {
			event = m.logger.Warn().Str("last_error", next.LastError)
		}
		event.Bool("online", next.Online).
			Str("quality", string(next.Quality)).
			Float64("error_rate", next.ErrorRate).
			Int("consecutive_errors", next.ConsecutiveErrors).
			Msg("Network state changed")
		if !next.Online {
			m.kick()
		}
	}

	for _, fn := range listeners {
		fn(prev, next)
	}
}

// kick wakes the probe loop so it switches to the offline interval.
func (m *Monitor) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Start launches the background probe loop. The first probe runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	m.lifeMu.Lock()
	if m.cancel != nil {
		m.lifeMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.lifeMu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.logger.Info().Msg("Network monitor started")
		defer m.logger.Info().Msg("Network monitor stopped")

		for {
			state := m.Probe(ctx)
			interval := m.cfg.ProbeInterval
			if !state.Online {
				interval = m.cfg.OfflineProbeInterval
			}

			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-m.wake:
				timer.Stop()
			case <-timer.C:
			}
		}
	}()
}

// Stop terminates the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.lifeMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.lifeMu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
