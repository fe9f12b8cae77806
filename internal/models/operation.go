package models

import (
	"encoding/json"
	"time"
)

// OperationType names the kind of mutation a queued operation performs.
// The set is open: executors for new kinds are added at wiring time.
type OperationType string

const (
	OpStatusUpdate OperationType = "status_update"
	OpEmailSend    OperationType = "email_send"
	OpPrintRequest OperationType = "print_request"
	OpSaleCreate   OperationType = "sale_create"
)

// OperationStatus is the queue state of an operation.
type OperationStatus string

const (
	StatusPending OperationStatus = "pending"
	StatusSyncing OperationStatus = "syncing"
	StatusFailed  OperationStatus = "failed"
)

// QueuedOperation is a mutating user action that has not been confirmed by the backend yet.
type QueuedOperation struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Type           OperationType   `json:"type"`
	TargetEntityID string          `json:"target_entity_id"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	Status         OperationStatus `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	Terminal       bool            `json:"terminal,omitempty"`
}

// Outstanding reports whether the operation still counts against the queue
// limit. Failed operations count: they hold unsynced work until they succeed
// or are discarded.
func (op *QueuedOperation) Outstanding() bool {
	switch op.Status {
	case StatusPending, StatusSyncing, StatusFailed:
		return true
	default:
		return false
	}
}

// Clone returns a deep copy so callers can't mutate queue state through shared slices.
func (op QueuedOperation) Clone() QueuedOperation {
	out := op
	if op.Payload != nil {
		out.Payload = append(json.RawMessage(nil), op.Payload...)
	}
	if op.LastAttemptAt != nil {
		t := *op.LastAttemptAt
		out.LastAttemptAt = &t
	}
	if op.NextAttemptAt != nil {
		t := *op.NextAttemptAt
		out.NextAttemptAt = &t
	}
	return out
}

// Validate checks the fields every persisted operation must carry.
func (op *QueuedOperation) Validate() error {
	switch {
	case op.ID == "":
		return ErrMissingID
	case op.IdempotencyKey == "":
		return ErrMissingIdempotencyKey
	case op.Type == "":
		return ErrMissingType
	}
	switch op.Status {
	case StatusPending, StatusSyncing, StatusFailed:
		return nil
	default:
		return ErrInvalidStatus
	}
}

// FailureInfo describes the outcome of an unsuccessful execution attempt.
type FailureInfo struct {
	Err           string
	Terminal      bool
	NextAttemptAt *time.Time
}

// QueueCounts is the per-status breakdown of the queue.
type QueueCounts struct {
	Pending  int `json:"pending"`
	Syncing  int `json:"syncing"`
	Failed   int `json:"failed"`
	Terminal int `json:"terminal"`
}

// Total returns the number of operations in the queue.
func (c QueueCounts) Total() int {
	return c.Pending + c.Syncing + c.Failed
}

// QueueStatus is the snapshot delivered to status badges.
type QueueStatus struct {
	QueueSize       int        `json:"queue_size"`
	PendingCount    int        `json:"pending_count"`
	SyncingCount    int        `json:"syncing_count"`
	FailedCount     int        `json:"failed_count"`
	TerminalCount   int        `json:"terminal_count"`
	MaxSize         int        `json:"max_size"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
	Online          bool       `json:"online"`
}

// SyncResult is the aggregate outcome of one drain pass.
type SyncResult struct {
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    bool      `json:"skipped,omitempty"`
	Trigger    string    `json:"trigger"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Processed returns the number of operations attempted in the pass.
func (r SyncResult) Processed() int {
	return r.Succeeded + r.Failed
}

// SubmitResult is returned to the UI for every submitted operation.
type SubmitResult struct {
	Executed  bool             `json:"executed"`
	Queued    bool             `json:"queued"`
	Operation *QueuedOperation `json:"operation,omitempty"`
}
