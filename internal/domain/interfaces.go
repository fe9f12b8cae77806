package domain

import (
	"context"
	"time"

	"possync/internal/models"
)

// OperationStore persists the ordered queue snapshot.
type OperationStore interface {
	Save(ctx context.Context, ops []models.QueuedOperation) error
	Load(ctx context.Context) ([]models.QueuedOperation, error)
	Close() error
}

// Refresher reloads a local read model after the backend accepted queued work.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) error

func (f RefresherFunc) Refresh(ctx context.Context) error { return f(ctx) }

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// ConnectivityReporter is the part of the network monitor used by request paths.
type ConnectivityReporter interface {
	State() models.NetworkState
	IsOnline() bool
	ReportSuccess(latency time.Duration)
	ReportFailure(err error)
}

// OperationQueue is the queue surface used by the orchestrator, service and API.
type OperationQueue interface {
	Enqueue(ctx context.Context, op models.QueuedOperation) error
	MarkSyncing(ctx context.Context, ids []string) ([]string, error)
	Release(ctx context.Context, ids []string) error
	Remove(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, failure models.FailureInfo) error
	Discard(ctx context.Context, id string) error
	Rearm(ctx context.Context, ids []string) ([]string, error)
	Eligible(now time.Time, force bool) []models.QueuedOperation
	NextRetryAt() (time.Time, bool)
	Get(id string) (models.QueuedOperation, bool)
	All() []models.QueuedOperation
	Size() int
	Counts() models.QueueCounts
	MaxSize() int
}

// SyncTrigger starts drain passes.
type SyncTrigger interface {
	SyncNow(ctx context.Context) (models.SyncResult, error)
	Retry(ctx context.Context, ids []string) (models.SyncResult, error)
	LastSyncAttempt() *time.Time
}
