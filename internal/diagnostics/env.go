package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"sync"
	"time"

	"possync/internal/backend"
	"possync/internal/config"
	"possync/internal/domain"
	"possync/internal/events"
	"possync/internal/executor"
	"possync/internal/models"
	"possync/internal/network"
	"possync/internal/queue"
	"possync/internal/repository"
	"possync/internal/service"
	"possync/internal/worker"

	"github.com/rs/zerolog"
)

// env is one isolated client stack wired to a FakeBackend.
type env struct {
	cond     *Conditions
	fake     *FakeBackend
	client   backend.Backend
	registry *executor.Registry
	store    domain.OperationStore
	queue    *queue.Queue
	monitor  *network.Monitor
	bus      *events.EventBus
	orch     *worker.Orchestrator
	svc      *service.OperationService
	view     *service.InvoiceView

	mu      sync.Mutex
	results []models.SyncResult
	closers []func()
}

type envOptions struct {
	transport   string
	seed        uint64
	store       domain.OperationStore
	maxSize     int
	maxAttempts int
	logger      *zerolog.Logger
}

func newEnv(o envOptions) (*env, error) {
	if o.store == nil {
		o.store = repository.NewMemoryOperationStore()
	}
	if o.maxSize <= 0 {
		o.maxSize = models.DefaultMaxQueueSize
	}
	e := &env{
		cond:  NewConditions(o.seed),
		fake:  NewFakeBackend(),
		store: o.store,
		bus:   events.NewEventBus(),
	}
	e.registry = executor.NewRegistry(false, o.logger)

	var prober network.Prober
	switch o.transport {
	case "", config.TransportHTTP:
		srv := httptest.NewServer(backend.NewHTTPHandler(e.fake))
		e.closers = append(e.closers, srv.Close)
		client := backend.NewHTTPClient(backend.HTTPOptions{
			BaseURL:   srv.URL,
			Timeout:   2 * time.Second,
			Transport: e.cond.RoundTripper(nil),
		})
		e.client = client
		prober = backend.HealthProber{Backend: client}
	case config.TransportGRPC:
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("listen: %w", err)
		}
		gs := backend.NewGRPCServer(e.fake, o.logger)
		go func() { _ = gs.Serve(lis) }()
		e.closers = append(e.closers, gs.Stop)
		client, err := backend.NewGRPCClient(backend.GRPCOptions{
			Address: "passthrough:///" + lis.Addr().String(),
			Timeout: 2 * time.Second,
		}, o.logger)
		if err != nil {
			gs.Stop()
			return nil, err
		}
		e.closers = append(e.closers, func() { _ = client.Close() })
		e.client = client
		e.registry.Use(e.cond.Middleware())
		prober = e.cond.Prober(backend.HealthProber{Backend: client})
	default:
		return nil, fmt.Errorf("unknown transport %q", o.transport)
	}

	if err := backend.RegisterExecutors(e.registry, e.client); err != nil {
		e.close()
		return nil, err
	}

	e.queue = queue.New(e.store, queue.Options{MaxSize: o.maxSize, MaxAttempts: o.maxAttempts}, o.logger)
	e.monitor = network.NewMonitor(network.Config{
		ProbeInterval:        time.Hour,
		OfflineProbeInterval: time.Hour,
		ProbeTimeout:         time.Second,
		ErrorWindow:          10,
		MinSamples:           3,
		OfflineAfterErrors:   2,
		OfflineErrorRate:     0.5,
	}, prober, o.logger, network.WithLinkChecker(e.cond.LinkChecker()), network.WithSimulated())

	e.orch = worker.NewOrchestrator(e.queue, e.registry, e.monitor, e.bus, worker.Options{
		Interval:         time.Hour,
		ExecutionTimeout: time.Second,
		Retry:            worker.RetryPolicy{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2},
	}, o.logger)
	e.view = service.NewInvoiceView(e.client, o.logger)
	e.orch.AddRefresher(e.view)

	e.svc = service.NewOperationService(e.queue, e.registry, e.monitor, e.orch, e.bus, time.Second, o.logger)
	e.svc.SetInvoiceTracker(e.view)

	e.bus.Subscribe(events.EventSyncCompleted, func(ev *events.Event) error {
		var res models.SyncResult
		if err := json.Unmarshal(ev.Payload, &res); err != nil {
			return err
		}
		e.mu.Lock()
		e.results = append(e.results, res)
		e.mu.Unlock()
		return nil
	})
	return e, nil
}

func (e *env) close() {
	if e.orch != nil {
		e.orch.Stop()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// goOffline forces the simulated link down and lets the monitor notice.
func (e *env) goOffline(ctx context.Context) error {
	e.cond.SetOffline(true)
	if e.monitor.Probe(ctx).Online {
		return errors.New("monitor still online after forcing the link down")
	}
	return nil
}

// goOnline restores the link; the monitor transition fires listeners.
func (e *env) goOnline(ctx context.Context) error {
	e.cond.SetOffline(false)
	if !e.monitor.Probe(ctx).Online {
		return fmt.Errorf("monitor still offline: %s", e.monitor.State().LastError)
	}
	return nil
}

func (e *env) syncResults() []models.SyncResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.SyncResult(nil), e.results...)
}

// waitFor polls cond until it holds or ctx ends.
func waitFor(ctx context.Context, what string, cond func() bool) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s: %w", what, ctx.Err())
		case <-ticker.C:
		}
	}
}
