package repository

import (
	"encoding/json"
	"fmt"

	"possync/internal/models"

	"github.com/rs/zerolog"
)

// EncodeOperations renders the ordered snapshot as a JSON array.
func EncodeOperations(ops []models.QueuedOperation) ([]byte, error) {
	if ops == nil {
		ops = []models.QueuedOperation{}
	}
	data, err := json.Marshal(ops)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal operations: %w", err)
	}
	return data, nil
}

// DecodeOperations parses a persisted snapshot. Records that cannot be parsed
// or fail validation are dropped and logged; an unreadable document yields an
// empty list. It never returns an error.
func DecodeOperations(data []byte, logger *zerolog.Logger) []models.QueuedOperation {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	if len(data) == 0 {
		return []models.QueuedOperation{}
	}

	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		logger.Error().Err(err).Int("bytes", len(data)).Msg("Persisted queue is unreadable, starting empty")
		return []models.QueuedOperation{}
	}

	ops := make([]models.QueuedOperation, 0, len(records))
	seen := make(map[string]struct{}, len(records))
	for i, raw := range records {
		var op models.QueuedOperation
		if err := json.Unmarshal(raw, &op); err != nil {
			logger.Warn().Err(err).Int("index", i).Msg("Discarding corrupted queue record")
			continue
		}
		if err := op.Validate(); err != nil {
			logger.Warn().Err(err).Int("index", i).Str("id", op.ID).Msg("Discarding invalid queue record")
			continue
		}
		if _, dup := seen[op.ID]; dup {
			logger.Warn().Int("index", i).Str("id", op.ID).Msg("Discarding duplicate queue record")
			continue
		}
		seen[op.ID] = struct{}{}
		ops = append(ops, op)
	}
	return ops
}
