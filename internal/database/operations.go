package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"possync/internal/models"
)

// Save replaces the stored snapshot with ops inside one transaction.
func (db *DB) Save(ctx context.Context, ops []models.QueuedOperation) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM operations`); err != nil {
		return fmt.Errorf("failed to clear operations: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO operations (id, position, idempotency_key, op_type, target_entity_id, payload,
                                status, attempts, last_error, created_at, last_attempt_at, next_attempt_at, terminal)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range ops {
		op := &ops[i]
		_, err := stmt.ExecContext(ctx,
			op.ID,
			i,
			op.IdempotencyKey,
			string(op.Type),
			op.TargetEntityID,
			[]byte(op.Payload),
			string(op.Status),
			op.Attempts,
			nullString(op.LastError),
			op.CreatedAt.UTC(),
			nullTime(op.LastAttemptAt),
			nullTime(op.NextAttemptAt),
			op.Terminal,
		)
		if err != nil {
			return fmt.Errorf("failed to insert operation %s: %w", op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit operations: %w", err)
	}
	return nil
}

// Load returns stored operations in queue order. Rows that cannot be scanned
// or fail validation are skipped and logged.
func (db *DB) Load(ctx context.Context) ([]models.QueuedOperation, error) {
	rows, err := db.QueryContext(ctx, `
        SELECT id, idempotency_key, op_type, target_entity_id, payload, status, attempts,
               last_error, created_at, last_attempt_at, next_attempt_at, terminal
        FROM operations ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query operations: %w", err)
	}
	defer rows.Close()

	ops := []models.QueuedOperation{}
	row := 0
	for rows.Next() {
		row++
		var (
			op                       models.QueuedOperation
			opType, status           string
			payload                  []byte
			lastError                sql.NullString
			lastAttempt, nextAttempt sql.NullTime
		)
		err := rows.Scan(
			&op.ID,
			&op.IdempotencyKey,
			&opType,
			&op.TargetEntityID,
			&payload,
			&status,
			&op.Attempts,
			&lastError,
			&op.CreatedAt,
			&lastAttempt,
			&nextAttempt,
			&op.Terminal,
		)
		if err != nil {
			db.logger.Warn().Err(err).Int("row", row).Msg("Discarding unreadable operation row")
			continue
		}

		op.Type = models.OperationType(opType)
		op.Status = models.OperationStatus(status)
		if len(payload) > 0 {
			op.Payload = payload
		}
		op.LastError = lastError.String
		op.LastAttemptAt = timePtr(lastAttempt)
		op.NextAttemptAt = timePtr(nextAttempt)

		if err := op.Validate(); err != nil {
			db.logger.Warn().Err(err).Str("id", op.ID).Msg("Discarding invalid operation row")
			continue
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operations: %w", err)
	}
	return ops, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
