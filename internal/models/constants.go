package models

const (
	// DefaultMaxQueueSize limits outstanding offline operations.
	DefaultMaxQueueSize = 10

	// DefaultMaxAttempts after which a failed operation waits for a manual retry.
	DefaultMaxAttempts = 8

	// IdempotencyKeyPrefix marks keys generated by this client.
	IdempotencyKeyPrefix = "idk_"
)

// Sync triggers reported in SyncResult.Trigger.
const (
	TriggerReconnect = "reconnect"
	TriggerManual    = "manual"
	TriggerRetry     = "retry"
	TriggerPeriodic  = "periodic"
	TriggerStartup   = "startup"
)
