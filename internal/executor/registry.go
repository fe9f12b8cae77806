// Package executor dispatches queued operations to the function registered for
// their type.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"possync/internal/models"

	"github.com/rs/zerolog"
)

// Request is what an executor receives for one attempt.
type Request struct {
	OperationID    string
	TargetEntityID string
	Payload        json.RawMessage
	IdempotencyKey string
}

// Executor performs the backend call for one operation type. Implementations
// must send IdempotencyKey with every call.
type Executor func(ctx context.Context, req Request) error

// Middleware decorates an executor.
type Middleware func(opType models.OperationType, next Executor) Executor

// Registry maps operation types to executors.
type Registry struct {
	mu         sync.RWMutex
	executors  map[models.OperationType]Executor
	middleware []Middleware
	strict     bool
	logger     *zerolog.Logger
}

// NewRegistry returns an empty registry. In strict mode an unknown operation
// type panics instead of returning ErrUnknownOperationType.
func NewRegistry(strict bool, logger *zerolog.Logger) *Registry {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Registry{
		executors: make(map[models.OperationType]Executor),
		strict:    strict,
		logger:    logger,
	}
}

// Register binds an executor to a type. Registering a type twice is an error.
func (r *Registry) Register(opType models.OperationType, exec Executor) error {
	if opType == "" {
		return fmt.Errorf("register executor: %w", models.ErrMissingType)
	}
	if exec == nil {
		return fmt.Errorf("register executor %q: nil executor", opType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[opType]; exists {
		return fmt.Errorf("executor for %q already registered", opType)
	}
	r.executors[opType] = exec
	return nil
}

// Use appends middleware applied to every executor at call time.
func (r *Registry) Use(mw ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw...)
}

func (r *Registry) Has(opType models.OperationType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[opType]
	return ok
}

// Types returns registered types in lexical order.
func (r *Registry) Types() []models.OperationType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.OperationType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Check validates that opType can be executed, applying strict mode.
func (r *Registry) Check(opType models.OperationType) error {
	if r.Has(opType) {
		return nil
	}
	if r.strict {
		panic(fmt.Sprintf("executor: no executor registered for operation type %q", opType))
	}
	return fmt.Errorf("%w: %s", ErrUnknownOperationType, opType)
}

// Execute runs the executor for op.
func (r *Registry) Execute(ctx context.Context, op models.QueuedOperation) error {
	r.mu.RLock()
	exec, ok := r.executors[op.Type]
	mws := r.middleware
	r.mu.RUnlock()

	if !ok {
		r.logger.Error().Str("type", string(op.Type)).Str("id", op.ID).Msg("No executor registered")
		return r.Check(op.Type)
	}

	for i := len(mws) - 1; i >= 0; i-- {
		exec = mws[i](op.Type, exec)
	}

	return r.invoke(ctx, op, exec)
}

// invoke runs exec. A panic becomes a terminal failure of op.
func (r *Registry) invoke(ctx context.Context, op models.QueuedOperation, exec Executor) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("type", string(op.Type)).
				Str("id", op.ID).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Executor panicked")
			err = TerminalError(fmt.Errorf("executor panic: %v", rec))
		}
	}()

	return exec(ctx, Request{
		OperationID:    op.ID,
		TargetEntityID: op.TargetEntityID,
		Payload:        op.Payload,
		IdempotencyKey: op.IdempotencyKey,
	})
}
