package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueuedOperation_Clone(t *testing.T) {
	next := time.Now().Add(time.Minute)
	op := QueuedOperation{
		ID:             "op-1",
		IdempotencyKey: "idk_1",
		Type:           OpStatusUpdate,
		Payload:        json.RawMessage(`{"status":"paid"}`),
		Status:         StatusFailed,
		NextAttemptAt:  &next,
	}

	clone := op.Clone()
	clone.Payload[2] = 'X'
	*clone.NextAttemptAt = next.Add(time.Hour)

	assert.Equal(t, `{"status":"paid"}`, string(op.Payload))
	assert.Equal(t, next, *op.NextAttemptAt)
}

func TestQueuedOperation_Validate(t *testing.T) {
	valid := QueuedOperation{ID: "1", IdempotencyKey: "k", Type: OpPrintRequest, Status: StatusPending}

	tests := []struct {
		name    string
		mutate  func(op *QueuedOperation)
		wantErr error
	}{
		{name: "valid", mutate: func(*QueuedOperation) {}},
		{name: "missing id", mutate: func(op *QueuedOperation) { op.ID = "" }, wantErr: ErrMissingID},
		{name: "missing key", mutate: func(op *QueuedOperation) { op.IdempotencyKey = "" }, wantErr: ErrMissingIdempotencyKey},
		{name: "missing type", mutate: func(op *QueuedOperation) { op.Type = "" }, wantErr: ErrMissingType},
		{name: "bad status", mutate: func(op *QueuedOperation) { op.Status = "done" }, wantErr: ErrInvalidStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := valid
			tt.mutate(&op)
			err := op.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSalePayload_Total(t *testing.T) {
	p := SalePayload{Lines: []SaleLine{
		{SKU: "A", Quantity: 2, UnitPrice: 150},
		{SKU: "B", Quantity: 1, UnitPrice: 99},
	}}
	assert.Equal(t, int64(399), p.Total())
}

func TestQueueCounts_Total(t *testing.T) {
	c := QueueCounts{Pending: 2, Syncing: 1, Failed: 3, Terminal: 1}
	assert.Equal(t, 6, c.Total())
}

func TestQueuedOperation_Outstanding(t *testing.T) {
	for _, status := range []OperationStatus{StatusPending, StatusSyncing, StatusFailed} {
		op := QueuedOperation{Status: status}
		assert.True(t, op.Outstanding(), status)
	}
	terminal := QueuedOperation{Status: StatusFailed, Terminal: true}
	assert.True(t, terminal.Outstanding(), "terminal operations still hold unsynced work")
	assert.False(t, (&QueuedOperation{}).Outstanding())
}
