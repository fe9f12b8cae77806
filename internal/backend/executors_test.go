package backend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"possync/internal/executor"
	"possync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOp(opType models.OperationType, target string, payload any) models.QueuedOperation {
	raw, _ := json.Marshal(payload)
	return models.QueuedOperation{
		ID:             "op-" + string(opType),
		IdempotencyKey: "idk_" + string(opType),
		Type:           opType,
		TargetEntityID: target,
		Payload:        raw,
		CreatedAt:      time.Now(),
		Status:         models.StatusPending,
	}
}

func TestRegisterExecutorsDispatch(t *testing.T) {
	impl := newRecordingBackend()
	reg := executor.NewRegistry(false, nil)
	require.NoError(t, RegisterExecutors(reg, impl))
	assert.Equal(t, []models.OperationType{models.OpEmailSend, models.OpPrintRequest, models.OpSaleCreate, models.OpStatusUpdate}, reg.Types())

	ctx := context.Background()
	require.NoError(t, reg.Execute(ctx, newOp(models.OpStatusUpdate, "inv-1", models.StatusUpdatePayload{Status: models.InvoicePaid})))
	require.NoError(t, reg.Execute(ctx, newOp(models.OpEmailSend, "inv-1", models.EmailPayload{To: "a@b.c"})))
	require.NoError(t, reg.Execute(ctx, newOp(models.OpPrintRequest, "inv-1", models.PrintPayload{})))
	require.NoError(t, reg.Execute(ctx, newOp(models.OpSaleCreate, "sale-1", models.SalePayload{Lines: []models.SaleLine{{SKU: "A", Quantity: 1}}})))

	calls := impl.Calls()
	require.Len(t, calls, 4)
	assert.Equal(t, "idk_status_update", calls[0].Key)
	assert.Equal(t, models.InvoicePaid, calls[0].Body)
	assert.Equal(t, models.PrintPayload{Copies: 1}, calls[2].Body, "copies default to one")
	assert.Equal(t, "sale-1", calls[3].Target)

	assert.Error(t, RegisterExecutors(reg, impl), "double registration")
}

func TestExecutorsRejectBadPayloads(t *testing.T) {
	impl := newRecordingBackend()
	reg := executor.NewRegistry(false, nil)
	require.NoError(t, RegisterExecutors(reg, impl))
	ctx := context.Background()

	tests := []struct {
		name string
		op   models.QueuedOperation
	}{
		{name: "sale without lines", op: newOp(models.OpSaleCreate, "s", models.SalePayload{})},
		{name: "status without value", op: newOp(models.OpStatusUpdate, "inv-1", models.StatusUpdatePayload{})},
		{name: "malformed json", op: func() models.QueuedOperation {
			op := newOp(models.OpEmailSend, "inv-1", nil)
			op.Payload = json.RawMessage(`{"to":`)
			return op
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Execute(ctx, tt.op)
			require.Error(t, err)
			assert.Equal(t, executor.Terminal, executor.Classify(err).Kind)
		})
	}
	assert.Empty(t, impl.Calls())
}

func TestHealthProber(t *testing.T) {
	impl := newRecordingBackend()
	p := HealthProber{Backend: impl}

	_, err := p.Probe(context.Background())
	require.NoError(t, err)

	impl.setErr(errors.New("down"))
	_, err = p.Probe(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, impl.pings)
}
