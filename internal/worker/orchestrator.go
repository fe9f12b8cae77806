// Package worker drains the offline queue against the backend.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"possync/internal/domain"
	"possync/internal/events"
	"possync/internal/executor"
	"possync/internal/metrics"
	"possync/internal/models"
	"possync/internal/network"
	"possync/internal/queue"

	"github.com/rs/zerolog"
)

// Dispatcher executes one operation. *executor.Registry implements it.
type Dispatcher interface {
	Execute(ctx context.Context, op models.QueuedOperation) error
}

// Connectivity is the monitor surface the orchestrator needs.
type Connectivity interface {
	domain.ConnectivityReporter
	Subscribe(fn network.Listener) func()
}

// Options tune the drain loop.
type Options struct {
	Interval         time.Duration
	ExecutionTimeout time.Duration
	Retry            RetryPolicy
}

// Orchestrator runs drain passes. At most one pass runs at a time; a pass
// requested while another is running returns a skipped result.
type Orchestrator struct {
	queue      domain.OperationQueue
	dispatcher Dispatcher
	monitor    Connectivity
	events     domain.EventPublisher
	opts       Options
	logger     *zerolog.Logger
	now        func() time.Time

	draining atomic.Bool

	mu          sync.Mutex
	lastAttempt *time.Time
	refreshers  []domain.Refresher

	lifeMu sync.Mutex
	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup
	wake   chan struct{}
}

func NewOrchestrator(q domain.OperationQueue, d Dispatcher, monitor Connectivity, publisher domain.EventPublisher, opts Options, logger *zerolog.Logger) *Orchestrator {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = 15 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Orchestrator{
		queue:      q,
		dispatcher: d,
		monitor:    monitor,
		events:     publisher,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		wake:       make(chan struct{}, 1),
	}
}

// AddRefresher registers a read model refreshed after passes that synced work.
func (o *Orchestrator) AddRefresher(r domain.Refresher) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshers = append(o.refreshers, r)
}

// LastSyncAttempt returns the start time of the most recent pass.
func (o *Orchestrator) LastSyncAttempt() *time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastAttempt == nil {
		return nil
	}
	t := *o.lastAttempt
	return &t
}

// Draining reports whether a pass is in progress.
func (o *Orchestrator) Draining() bool {
	return o.draining.Load()
}

// SyncNow runs a manual pass.
func (o *Orchestrator) SyncNow(ctx context.Context) (models.SyncResult, error) {
	return o.Drain(ctx, models.TriggerManual, false)
}

// Retry rearms failed operations (all of them when ids is empty) and drains.
func (o *Orchestrator) Retry(ctx context.Context, ids []string) (models.SyncResult, error) {
	rearmed, err := o.queue.Rearm(ctx, ids)
	if err != nil && !errors.Is(err, queue.ErrStore) {
		return models.SyncResult{Trigger: models.TriggerRetry}, err
	}
	if err != nil {
		o.publishStoreError("rearm", err)
	}
	o.logger.Info().Int("rearmed", len(rearmed)).Msg("Manual retry requested")
	return o.Drain(ctx, models.TriggerRetry, false)
}

// Drain runs one pass over the eligible operations. Store errors hit during
// the pass do not stop it; they are joined and returned afterwards.
func (o *Orchestrator) Drain(ctx context.Context, trigger string, force bool) (models.SyncResult, error) {
	started := o.now()
	result := models.SyncResult{Trigger: trigger, StartedAt: started}

	if !o.draining.CompareAndSwap(false, true) {
		o.logger.Debug().Str("trigger", trigger).Msg("Drain already running, request coalesced")
		result.Skipped = true
		result.FinishedAt = started
		return result, nil
	}
	defer o.draining.Store(false)

	o.mu.Lock()
	t := started
	o.lastAttempt = &t
	o.mu.Unlock()

	// Bookkeeping must land even when the caller's context is cancelled mid-pass.
	bookCtx := context.WithoutCancel(ctx)

	var storeErrs []error
	recordStore := func(op string, err error) {
		if err == nil {
			return
		}
		storeErrs = append(storeErrs, err)
		o.publishStoreError(op, err)
	}

	candidates := o.queue.Eligible(started, force)
	ids := make([]string, len(candidates))
	for i, op := range candidates {
		ids[i] = op.ID
	}
	marked, err := o.queue.MarkSyncing(bookCtx, ids)
	recordStore("mark_syncing", err)

	batch := filterMarked(candidates, marked)
	o.logger.Info().Str("trigger", trigger).Int("operations", len(batch)).Bool("force", force).Msg("Drain started")

	// Targets whose operation failed in this pass; their later operations
	// go back to pending untouched.
	failedTargets := make(map[string]bool)
	for i, op := range batch {
		if ctx.Err() != nil {
			recordStore("release", o.queue.Release(bookCtx, remainingIDs(batch[i:])))
			break
		}
		if op.TargetEntityID != "" && failedTargets[op.TargetEntityID] {
			o.logger.Debug().Str("id", op.ID).Str("target", op.TargetEntityID).Msg("Holding operation behind failed predecessor")
			recordStore("release", o.queue.Release(bookCtx, []string{op.ID}))
			continue
		}

		execErr := o.execute(ctx, op)
		if execErr == nil {
			result.Succeeded++
			recordStore("remove", o.queue.Remove(bookCtx, op.ID))
			o.publishOperation(op, "succeeded", nil)
			continue
		}

		if ctx.Err() != nil {
			recordStore("release", o.queue.Release(bookCtx, remainingIDs(batch[i:])))
			break
		}

		result.Failed++
		if op.TargetEntityID != "" {
			failedTargets[op.TargetEntityID] = true
		}
		recordStore("mark_failed", o.queue.MarkFailed(bookCtx, op.ID, o.failureInfo(op, execErr)))
	}

	if result.Succeeded > 0 {
		o.refresh(ctx)
	}

	result.FinishedAt = o.now()
	metrics.ObserveSyncPass(trigger, result.FinishedAt.Sub(started))
	if o.events != nil {
		if err := o.events.PublishJSON(events.EventSyncCompleted, result); err != nil {
			o.logger.Warn().Err(err).Msg("Failed to publish sync result")
		}
	}
	o.logger.Info().
		Str("trigger", trigger).
		Int("succeeded", result.Succeeded).
		Int("failed", result.Failed).
		Dur("duration", result.FinishedAt.Sub(started)).
		Msg("Drain finished")

	return result, errors.Join(storeErrs...)
}

func (o *Orchestrator) execute(ctx context.Context, op models.QueuedOperation) error {
	execCtx, cancel := context.WithTimeout(ctx, o.opts.ExecutionTimeout)
	defer cancel()

	start := time.Now()
	err := o.dispatcher.Execute(execCtx, op)
	elapsed := time.Since(start)

	if err == nil {
		metrics.IncExecution(string(op.Type), "success")
		if o.monitor != nil {
			o.monitor.ReportSuccess(elapsed)
		}
		return nil
	}

	classified := executor.Classify(err)
	if classified.Network && o.monitor != nil {
		o.monitor.ReportFailure(err)
	}
	metrics.IncExecution(string(op.Type), string(classified.Kind))
	return classified
}

func (o *Orchestrator) failureInfo(op models.QueuedOperation, err error) models.FailureInfo {
	classified := executor.Classify(err)
	info := models.FailureInfo{Err: err.Error(), Terminal: !classified.Retryable()}

	logEvent := o.logger.Warn()
	if info.Terminal {
		logEvent = o.logger.Error()
		o.publishOperation(op, "terminal", err)
	} else {
		next := o.now().Add(o.opts.Retry.Backoff(op.Attempts + 1))
		info.NextAttemptAt = &next
		o.publishOperation(op, "failed", err)
	}
	logEvent.Err(err).
		Str("id", op.ID).
		Str("type", string(op.Type)).
		Int("attempt", op.Attempts+1).
		Bool("terminal", info.Terminal).
		Bool("network", classified.Network).
		Msg("Operation failed")
	return info
}

func (o *Orchestrator) refresh(ctx context.Context) {
	o.mu.Lock()
	refreshers := append([]domain.Refresher(nil), o.refreshers...)
	o.mu.Unlock()

	for _, r := range refreshers {
		if err := r.Refresh(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("Refresh after sync failed")
		}
	}
}

func (o *Orchestrator) publishOperation(op models.QueuedOperation, result string, err error) {
	if o.events == nil {
		return
	}
	payload := events.OperationPayload{
		OperationID:    op.ID,
		IdempotencyKey: op.IdempotencyKey,
		Type:           string(op.Type),
		TargetEntityID: op.TargetEntityID,
		Result:         result,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	_ = o.events.PublishJSON(events.EventOperationDone, payload)
}

func (o *Orchestrator) publishStoreError(op string, err error) {
	o.logger.Error().Err(err).Str("operation", op).Msg("Queue store failure")
	if o.events == nil {
		return
	}
	_ = o.events.PublishJSON(events.EventStoreError, events.StoreErrorPayload{Operation: op, Error: err.Error()})
}

// Start subscribes to connectivity changes and runs the periodic loop. A
// startup pass runs right away when online with queued work.
func (o *Orchestrator) Start(ctx context.Context) {
	o.lifeMu.Lock()
	if o.cancel != nil {
		o.lifeMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	if o.monitor != nil {
		o.unsub = o.monitor.Subscribe(o.onNetworkChange)
	}
	o.lifeMu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.logger.Info().Dur("interval", o.opts.Interval).Msg("Sync orchestrator started")
		defer o.logger.Info().Msg("Sync orchestrator stopped")

		o.drainIfReady(ctx, models.TriggerStartup)
		for {
			timer := time.NewTimer(o.nextWait())
			trigger := models.TriggerPeriodic
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-o.wake:
				timer.Stop()
				trigger = models.TriggerReconnect
			case <-timer.C:
			}
			o.drainIfReady(ctx, trigger)
		}
	}()
}

// Stop ends the loop and waits for an in-flight pass to finish.
func (o *Orchestrator) Stop() {
	o.lifeMu.Lock()
	cancel, unsub := o.cancel, o.unsub
	o.cancel, o.unsub = nil, nil
	o.lifeMu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

func (o *Orchestrator) onNetworkChange(prev, next models.NetworkState) {
	if prev.Online || !next.Online || o.queue.Size() == 0 {
		return
	}
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// nextWait is the periodic interval, shortened when a backoff expires sooner.
func (o *Orchestrator) nextWait() time.Duration {
	wait := o.opts.Interval
	if next, ok := o.queue.NextRetryAt(); ok {
		if d := next.Sub(o.now()); d < wait {
			wait = max(d, 10*time.Millisecond)
		}
	}
	return wait
}

func (o *Orchestrator) drainIfReady(ctx context.Context, trigger string) {
	if o.monitor != nil && !o.monitor.IsOnline() {
		return
	}
	if len(o.queue.Eligible(o.now(), false)) == 0 {
		return
	}
	if _, err := o.Drain(ctx, trigger, false); err != nil {
		o.logger.Error().Err(err).Str("trigger", trigger).Msg("Drain finished with store errors")
	}
}

func filterMarked(ops []models.QueuedOperation, marked []string) []models.QueuedOperation {
	set := make(map[string]struct{}, len(marked))
	for _, id := range marked {
		set[id] = struct{}{}
	}
	out := make([]models.QueuedOperation, 0, len(marked))
	for _, op := range ops {
		if _, ok := set[op.ID]; ok {
			out = append(out, op)
		}
	}
	return out
}

func remainingIDs(ops []models.QueuedOperation) []string {
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.ID
	}
	return out
}
