// Package queue holds unsynced operations in insertion order and persists
// every change through an operation store.
package queue

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"possync/internal/domain"
	"possync/internal/metrics"
	"possync/internal/models"

	"github.com/rs/zerolog"
)

// Options bound the queue.
type Options struct {
	MaxSize     int
	MaxAttempts int
}

// Queue is safe for concurrent use. Each mutation and its persistence happen
// under one lock, so the store always receives snapshots in mutation order.
type Queue struct {
	mu          sync.Mutex
	ops         []models.QueuedOperation
	store       domain.OperationStore
	maxSize     int
	maxAttempts int
	logger      *zerolog.Logger
	now         func() time.Time
	// Set while the stored snapshot could not be read; nothing is saved
	// until a read succeeds.
	unloaded    bool

	lmu       sync.Mutex
	listeners map[uint64]func(models.QueueCounts)
	nextID    uint64
}

func New(store domain.OperationStore, opts Options, logger *zerolog.Logger) *Queue {
	if opts.MaxSize <= 0 {
		opts.MaxSize = models.DefaultMaxQueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = models.DefaultMaxAttempts
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Queue{
		store:       store,
		maxSize:     opts.MaxSize,
		maxAttempts: opts.MaxAttempts,
		logger:      logger,
		now:         time.Now,
		listeners:   make(map[uint64]func(models.QueueCounts)),
	}
}

// Load replaces the in-memory queue with the stored snapshot. Operations that
// were syncing when the process stopped are restored as pending. On a store
// error the queue starts empty and the wrapped error is returned; until a
// later read succeeds, changes are kept in memory only.
func (q *Queue) Load(ctx context.Context) error {
	ops, err := q.store.Load(ctx)

	q.mu.Lock()
	if err != nil {
		q.ops = nil
		q.unloaded = true
		q.mu.Unlock()
		q.logger.Error().Err(err).Msg("Failed to load offline queue, starting empty")
		q.notify()
		return fmt.Errorf("%w: load: %w", ErrStore, err)
	}

	q.unloaded = false
	q.ops = nil
	restored := q.restoreLocked(ops)
	size := len(q.ops)
	q.mu.Unlock()

	q.logger.Info().Int("operations", size).Int("restored_syncing", restored).Msg("Offline queue loaded")
	if size > q.maxSize {
		q.logger.Warn().Int("operations", size).Int("max_size", q.maxSize).Msg("Loaded queue exceeds limit; new operations will be rejected until it drains")
	}
	q.notify()
	return nil
}

// Enqueue appends op as pending.
func (q *Queue) Enqueue(ctx context.Context, op models.QueuedOperation) error {
	if op.Status == "" {
		op.Status = models.StatusPending
	}
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}
	op.Status = models.StatusPending
	op = op.Clone()

	q.mu.Lock()
	if q.outstandingLocked() >= q.maxSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	if q.indexLocked(op.ID) >= 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, op.ID)
	}
	q.ops = append(q.ops, op)
	err := q.persistLocked(ctx, "enqueue")
	q.mu.Unlock()

	q.notify()
	return err
}

// MarkSyncing moves pending or failed operations to syncing and returns the
// IDs that were transitioned. Unknown IDs are skipped.
func (q *Queue) MarkSyncing(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	now := q.now()

	q.mu.Lock()
	marked := make([]string, 0, len(ids))
	for _, id := range ids {
		i := q.indexLocked(id)
		if i < 0 {
			continue
		}
		op := &q.ops[i]
		if op.Status != models.StatusPending && op.Status != models.StatusFailed {
			continue
		}
		op.Status = models.StatusSyncing
		t := now
		op.LastAttemptAt = &t
		marked = append(marked, id)
	}
	var err error
	if len(marked) > 0 {
		err = q.persistLocked(ctx, "mark_syncing")
	}
	q.mu.Unlock()

	q.notify()
	return marked, err
}

// Release returns syncing operations to pending without counting an attempt.
// Used when a pass is interrupted before their outcome is known, and for
// operations held behind a failure on the same target.
func (q *Queue) Release(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	q.mu.Lock()
	released := 0
	for _, id := range ids {
		i := q.indexLocked(id)
		if i < 0 || q.ops[i].Status != models.StatusSyncing {
			continue
		}
		q.ops[i].Status = models.StatusPending
		released++
	}
	var err error
	if released > 0 {
		err = q.persistLocked(ctx, "release")
	}
	q.mu.Unlock()

	q.notify()
	return err
}

// Remove deletes a completed operation.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	q.ops = slices.Delete(q.ops, i, i+1)
	err := q.persistLocked(ctx, "remove")
	q.mu.Unlock()

	q.notify()
	return err
}

// MarkFailed records an unsuccessful attempt.
func (q *Queue) MarkFailed(ctx context.Context, id string, failure models.FailureInfo) error {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	op := &q.ops[i]
	op.Status = models.StatusFailed
	op.Attempts++
	op.LastError = failure.Err
	op.Terminal = failure.Terminal
	op.NextAttemptAt = nil
	if failure.NextAttemptAt != nil {
		t := *failure.NextAttemptAt
		op.NextAttemptAt = &t
	}
	err := q.persistLocked(ctx, "mark_failed")
	q.mu.Unlock()

	q.notify()
	return err
}

// Discard removes an operation without executing it.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	i := q.indexLocked(id)
	if i < 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if q.ops[i].Status == models.StatusSyncing {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSyncing, id)
	}
	q.ops = slices.Delete(q.ops, i, i+1)
	err := q.persistLocked(ctx, "discard")
	q.mu.Unlock()

	q.logger.Info().Str("id", id).Msg("Queued operation discarded")
	q.notify()
	return err
}

// Rearm returns failed operations to pending and clears their backoff and
// terminal flags. With no IDs every failed operation is rearmed.
func (q *Queue) Rearm(ctx context.Context, ids []string) ([]string, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	q.mu.Lock()
	rearmed := make([]string, 0)
	for i := range q.ops {
		op := &q.ops[i]
		if len(want) > 0 {
			if _, ok := want[op.ID]; !ok {
				continue
			}
			delete(want, op.ID)
		}
		if op.Status != models.StatusFailed {
			continue
		}
		op.Status = models.StatusPending
		op.NextAttemptAt = nil
		op.Terminal = false
		rearmed = append(rearmed, op.ID)
	}
	var err error
	if len(rearmed) > 0 {
		err = q.persistLocked(ctx, "rearm")
	}
	q.mu.Unlock()

	if len(want) > 0 && len(ids) > 0 && len(rearmed) == 0 {
		missing := make([]string, 0, len(want))
		for id := range want {
			missing = append(missing, id)
		}
		slices.Sort(missing)
		if err == nil {
			err = fmt.Errorf("%w: %v", ErrNotFound, missing)
		}
	}

	q.notify()
	return rearmed, err
}

// Eligible returns the operations a drain pass should attempt, in insertion
// order. Pending operations qualify. Failed operations qualify when their
// backoff elapsed and they are neither terminal nor out of attempts, unless
// force is set. An operation held back (or still syncing) blocks every later
// operation for the same target, so a target never runs out of order.
func (q *Queue) Eligible(now time.Time, force bool) []models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.QueuedOperation, 0, len(q.ops))
	blocked := make(map[string]bool)
	for _, op := range q.ops {
		if op.TargetEntityID != "" && blocked[op.TargetEntityID] {
			continue
		}
		if !q.runnableLocked(op, now, force) {
			if op.TargetEntityID != "" {
				blocked[op.TargetEntityID] = true
			}
			continue
		}
		out = append(out, op.Clone())
	}
	return out
}

func (q *Queue) runnableLocked(op models.QueuedOperation, now time.Time, force bool) bool {
	switch op.Status {
	case models.StatusPending:
		return true
	case models.StatusFailed:
		if force {
			return true
		}
		if op.Terminal || op.Attempts >= q.maxAttempts {
			return false
		}
		return op.NextAttemptAt == nil || !now.Before(*op.NextAttemptAt)
	default:
		return false
	}
}

// NextRetryAt returns the earliest backoff deadline among automatically
// retryable failed operations.
func (q *Queue) NextRetryAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var earliest time.Time
	found := false
	for _, op := range q.ops {
		if op.Status != models.StatusFailed || op.Terminal || op.Attempts >= q.maxAttempts || op.NextAttemptAt == nil {
			continue
		}
		if !found || op.NextAttemptAt.Before(earliest) {
			earliest = *op.NextAttemptAt
			found = true
		}
	}
	return earliest, found
}

// Get returns a copy of one operation.
func (q *Queue) Get(id string) (models.QueuedOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(id)
	if i < 0 {
		return models.QueuedOperation{}, false
	}
	return q.ops[i].Clone(), true
}

// All returns a copy of every queued operation in insertion order.
func (q *Queue) All() []models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueuedOperation, len(q.ops))
	for i := range q.ops {
		out[i] = q.ops[i].Clone()
	}
	return out
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *Queue) Counts() models.QueueCounts {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.countsLocked()
}

func (q *Queue) MaxSize() int { return q.maxSize }

func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// OnChange registers fn to receive counts after every mutation.
func (q *Queue) OnChange(fn func(models.QueueCounts)) func() {
	q.lmu.Lock()
	defer q.lmu.Unlock()
	q.nextID++
	id := q.nextID
	q.listeners[id] = fn
	return func() {
		q.lmu.Lock()
		delete(q.listeners, id)
		q.lmu.Unlock()
	}
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) outstandingLocked() int {
	n := 0
	for i := range q.ops {
		if q.ops[i].Outstanding() {
			n++
		}
	}
	return n
}

func (q *Queue) countsLocked() models.QueueCounts {
	var c models.QueueCounts
	for i := range q.ops {
		switch q.ops[i].Status {
		case models.StatusPending:
			c.Pending++
		case models.StatusSyncing:
			c.Syncing++
		case models.StatusFailed:
			c.Failed++
			if q.ops[i].Terminal {
				c.Terminal++
			}
		}
	}
	return c
}

// restoreLocked puts stored operations ahead of the ones already in memory,
// skipping IDs the queue holds, and returns how many were reset from syncing.
func (q *Queue) restoreLocked(stored []models.QueuedOperation) int {
	restored := 0
	merged := make([]models.QueuedOperation, 0, len(stored)+len(q.ops))
	for _, op := range stored {
		if q.indexLocked(op.ID) >= 0 {
			continue
		}
		if op.Status == models.StatusSyncing {
			op.Status = models.StatusPending
			restored++
		}
		merged = append(merged, op)
	}
	q.ops = append(merged, q.ops...)
	return restored
}

// recoverLocked retries the read that failed at startup and folds the stored
// operations into the queue.
func (q *Queue) recoverLocked(ctx context.Context) error {
	stored, err := q.store.Load(ctx)
	if err != nil {
		return err
	}
	before := len(q.ops)
	q.restoreLocked(stored)
	q.unloaded = false
	q.logger.Info().Int("recovered", len(q.ops)-before).Int("operations", len(q.ops)).Msg("Stored offline queue recovered")
	return nil
}

func (q *Queue) persistLocked(ctx context.Context, op string) error {
	if q.unloaded {
		if err := q.recoverLocked(ctx); err != nil {
			q.logger.Error().Err(err).Str("op", op).Msg("Stored queue still unreadable, change kept in memory only")
			return fmt.Errorf("%w: %s: snapshot not loaded: %w", ErrStore, op, err)
		}
	}

	snapshot := make([]models.QueuedOperation, len(q.ops))
	for i := range q.ops {
		snapshot[i] = q.ops[i].Clone()
	}
	if err := q.store.Save(ctx, snapshot); err != nil {
		q.logger.Error().Err(err).Str("op", op).Int("operations", len(snapshot)).Msg("Failed to persist offline queue")
		return fmt.Errorf("%w: %s: %w", ErrStore, op, err)
	}
	return nil
}

func (q *Queue) notify() {
	counts := q.Counts()
	metrics.SetQueueCounts(counts.Pending, counts.Syncing, counts.Failed)

	q.lmu.Lock()
	ids := make([]uint64, 0, len(q.listeners))
	for id := range q.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(models.QueueCounts), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, q.listeners[id])
	}
	q.lmu.Unlock()

	for _, fn := range fns {
		fn(counts)
	}
}
