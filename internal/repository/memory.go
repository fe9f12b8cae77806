package repository

import (
	"context"
	"sync"

	"possync/internal/models"
)

// MemoryOperationStore keeps the snapshot in process memory. It backs tests
// and serves as the last-resort fallback when nothing durable is configured.
type MemoryOperationStore struct {
	mu    sync.Mutex
	ops   []models.QueuedOperation
	err   error
	saves int
}

func NewMemoryOperationStore() *MemoryOperationStore {
	return &MemoryOperationStore{}
}

func (r *MemoryOperationStore) Save(ctx context.Context, ops []models.QueuedOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ops = cloneOperations(ops)
	r.saves++
	return nil
}

func (r *MemoryOperationStore) Load(ctx context.Context) ([]models.QueuedOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return cloneOperations(r.ops), nil
}

func (r *MemoryOperationStore) Close() error { return nil }

// SetError makes subsequent calls fail with err until cleared with nil.
func (r *MemoryOperationStore) SetError(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

// Saves returns the number of successful Save calls.
func (r *MemoryOperationStore) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func cloneOperations(ops []models.QueuedOperation) []models.QueuedOperation {
	out := make([]models.QueuedOperation, len(ops))
	for i := range ops {
		out[i] = ops[i].Clone()
	}
	return out
}
