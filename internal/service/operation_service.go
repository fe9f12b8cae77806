package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"possync/internal/domain"
	"possync/internal/events"
	"possync/internal/executor"
	"possync/internal/idempotency"
	"possync/internal/metrics"
	"possync/internal/models"
	"possync/internal/queue"

	"github.com/rs/zerolog"
)

// Executor is the registry surface used for direct execution.
type Executor interface {
	Has(opType models.OperationType) bool
	Check(opType models.OperationType) error
	Execute(ctx context.Context, op models.QueuedOperation) error
}

// InvoiceTracker learns which invoices were touched by submitted operations.
type InvoiceTracker interface {
	Track(invoiceID string)
}

// OperationService is the entry point for mutating user actions.
type OperationService struct {
	queue    domain.OperationQueue
	executor Executor
	monitor  domain.ConnectivityReporter
	sync     domain.SyncTrigger
	eventBus domain.EventPublisher
	keys     *idempotency.Generator
	tracker  InvoiceTracker
	timeout  time.Duration
	logger   *zerolog.Logger
	now      func() time.Time
}

func NewOperationService(q domain.OperationQueue, exec Executor, monitor domain.ConnectivityReporter, sync domain.SyncTrigger, eventBus domain.EventPublisher, timeout time.Duration, logger *zerolog.Logger) *OperationService {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if eventBus == nil {
		eventBus = (*events.EventBus)(nil)
	}
	return &OperationService{
		queue:    q,
		executor: exec,
		monitor:  monitor,
		sync:     sync,
		eventBus: eventBus,
		keys:     idempotency.NewGenerator(),
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// SetInvoiceTracker registers the read model refreshed after invoice mutations.
func (s *OperationService) SetInvoiceTracker(t InvoiceTracker) {
	s.tracker = t
}

// Submit executes the operation right away when online and nothing older for
// the same target is still queued. Otherwise, or when the immediate attempt
// fails with a network error, the operation is queued with its idempotency key.
func (s *OperationService) Submit(ctx context.Context, opType models.OperationType, targetEntityID string, payload json.RawMessage) (models.SubmitResult, error) {
	if opType == "" {
		return models.SubmitResult{}, models.ErrMissingType
	}
	if err := s.executor.Check(opType); err != nil {
		metrics.IncSubmission(string(opType), "rejected")
		return models.SubmitResult{}, err
	}
	if len(payload) > 0 && !json.Valid(payload) {
		metrics.IncSubmission(string(opType), "rejected")
		return models.SubmitResult{}, fmt.Errorf("%s: %w", opType, models.ErrInvalidPayload)
	}

	op := models.QueuedOperation{
		ID:             idempotency.NewOperationID(),
		IdempotencyKey: s.keys.Generate(),
		Type:           opType,
		TargetEntityID: targetEntityID,
		Payload:        payload,
		CreatedAt:      s.now(),
		Status:         models.StatusPending,
	}
	if s.tracker != nil && targetEntityID != "" && opType != models.OpSaleCreate {
		s.tracker.Track(targetEntityID)
	}

	log := s.logger.With().
		Str("id", op.ID).
		Str("idempotency_key", op.IdempotencyKey).
		Str("type", string(opType)).
		Str("target", targetEntityID).
		Logger()

	if s.monitor.IsOnline() && !s.hasQueuedFor(targetEntityID) {
		err := s.executeNow(ctx, op)
		if err == nil {
			metrics.IncSubmission(string(opType), "executed")
			s.publishOperation(op, "succeeded", nil)
			log.Info().Msg("Operation executed")
			return models.SubmitResult{Executed: true, Operation: &op}, nil
		}
		classified := executor.Classify(err)
		if !classified.Network {
			metrics.IncSubmission(string(opType), "failed")
			log.Warn().Err(err).Msg("Operation rejected by backend")
			return models.SubmitResult{Operation: &op}, err
		}
		log.Warn().Err(err).Msg("Network failure, queueing operation")
	}

	if err := s.queue.Enqueue(ctx, op); err != nil {
		if errors.Is(err, queue.ErrStore) {
			s.publishStoreError("enqueue", err)
			metrics.IncSubmission(string(opType), "queued")
			return models.SubmitResult{Queued: true, Operation: &op}, nil
		}
		if errors.Is(err, queue.ErrQueueFull) {
			metrics.IncSubmission(string(opType), "queue_full")
			log.Warn().Int("max_size", s.queue.MaxSize()).Msg("Offline queue full")
		}
		return models.SubmitResult{}, err
	}

	metrics.IncSubmission(string(opType), "queued")
	log.Info().Int("queue_size", s.queue.Size()).Msg("Operation queued")
	return models.SubmitResult{Queued: true, Operation: &op}, nil
}

// Accepts reports whether opType has an executor. Types that come from
// outside the process are checked with it first; Submit panics on unknown
// types when the registry is strict.
func (s *OperationService) Accepts(opType models.OperationType) bool {
	return s.executor.Has(opType)
}

// SubmitValue marshals payload and calls Submit.
func (s *OperationService) SubmitValue(ctx context.Context, opType models.OperationType, targetEntityID string, payload any) (models.SubmitResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.SubmitResult{}, fmt.Errorf("encode payload: %w", err)
	}
	return s.Submit(ctx, opType, targetEntityID, raw)
}

func (s *OperationService) executeNow(ctx context.Context, op models.QueuedOperation) error {
	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := s.executor.Execute(execCtx, op)
	if err == nil {
		s.monitor.ReportSuccess(time.Since(start))
		return nil
	}
	if executor.IsNetwork(err) {
		s.monitor.ReportFailure(err)
	}
	return err
}

func (s *OperationService) hasQueuedFor(targetEntityID string) bool {
	if targetEntityID == "" {
		return false
	}
	for _, op := range s.queue.All() {
		if op.TargetEntityID == targetEntityID {
			return true
		}
	}
	return false
}

// Status returns the snapshot shown by status badges.
func (s *OperationService) Status() models.QueueStatus {
	counts := s.queue.Counts()
	st := models.QueueStatus{
		QueueSize:     counts.Total(),
		PendingCount:  counts.Pending,
		SyncingCount:  counts.Syncing,
		FailedCount:   counts.Failed,
		TerminalCount: counts.Terminal,
		MaxSize:       s.queue.MaxSize(),
		Online:        s.monitor.IsOnline(),
	}
	if s.sync != nil {
		st.LastSyncAttempt = s.sync.LastSyncAttempt()
	}
	return st
}

// Network returns the monitor's current snapshot.
func (s *OperationService) Network() models.NetworkState {
	return s.monitor.State()
}

// Operations lists queued operations in insertion order.
func (s *OperationService) Operations() []models.QueuedOperation {
	return s.queue.All()
}

func (s *OperationService) Operation(id string) (models.QueuedOperation, bool) {
	return s.queue.Get(id)
}

// Discard abandons a queued operation.
func (s *OperationService) Discard(ctx context.Context, id string) error {
	err := s.queue.Discard(ctx, id)
	if errors.Is(err, queue.ErrStore) {
		s.publishStoreError("discard", err)
		return nil
	}
	return err
}

func (s *OperationService) SyncNow(ctx context.Context) (models.SyncResult, error) {
	return s.sync.SyncNow(ctx)
}

func (s *OperationService) Retry(ctx context.Context, ids []string) (models.SyncResult, error) {
	return s.sync.Retry(ctx, ids)
}

// PublishStatus emits the current queue status.
func (s *OperationService) PublishStatus() {
	if err := s.eventBus.PublishJSON(events.EventQueueStatus, s.Status()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish queue status")
	}
}

// NetworkChanged is a network.Listener publishing transitions and the new status.
func (s *OperationService) NetworkChanged(prev, next models.NetworkState) {
	if err := s.eventBus.PublishJSON(events.EventNetworkChanged, next); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish network change")
	}
	if prev.Online != next.Online {
		s.PublishStatus()
	}
}

func (s *OperationService) publishOperation(op models.QueuedOperation, result string, err error) {
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
	_ = s.eventBus.PublishJSON(events.EventOperationDone, payload)
}

func (s *OperationService) publishStoreError(operation string, err error) {
	s.logger.Error().Err(err).Str("operation", operation).Msg("Queue store failure")
	_ = s.eventBus.PublishJSON(events.EventStoreError, events.StoreErrorPayload{Operation: operation, Error: err.Error()})
}
