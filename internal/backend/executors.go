package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"possync/internal/executor"
	"possync/internal/models"
)

// RegisterExecutors binds the four built-in operation types to b.
func RegisterExecutors(reg *executor.Registry, b Backend) error {
	executors := map[models.OperationType]executor.Executor{
		models.OpSaleCreate: func(ctx context.Context, req executor.Request) error {
			var sale models.SalePayload
			if err := decodePayload(req.Payload, &sale); err != nil {
				return err
			}
			if len(sale.Lines) == 0 {
				return executor.TerminalError(errors.New("sale has no lines"))
			}
			return b.CreateSale(ctx, req.IdempotencyKey, req.TargetEntityID, sale)
		},
		models.OpStatusUpdate: func(ctx context.Context, req executor.Request) error {
			var body models.StatusUpdatePayload
			if err := decodePayload(req.Payload, &body); err != nil {
				return err
			}
			if body.Status == "" {
				return executor.TerminalError(errors.New("status update without status"))
			}
			return b.UpdateInvoiceStatus(ctx, req.IdempotencyKey, req.TargetEntityID, body.Status)
		},
		models.OpEmailSend: func(ctx context.Context, req executor.Request) error {
			var body models.EmailPayload
			if err := decodePayload(req.Payload, &body); err != nil {
				return err
			}
			return b.SendInvoiceEmail(ctx, req.IdempotencyKey, req.TargetEntityID, body)
		},
		models.OpPrintRequest: func(ctx context.Context, req executor.Request) error {
			var body models.PrintPayload
			if err := decodePayload(req.Payload, &body); err != nil {
				return err
			}
			if body.Copies <= 0 {
				body.Copies = 1
			}
			return b.RequestInvoicePrint(ctx, req.IdempotencyKey, req.TargetEntityID, body)
		},
	}

	for _, opType := range []models.OperationType{models.OpSaleCreate, models.OpStatusUpdate, models.OpEmailSend, models.OpPrintRequest} {
		if err := reg.Register(opType, executors[opType]); err != nil {
			return err
		}
	}
	return nil
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return executor.TerminalError(fmt.Errorf("decode payload: %w", err))
	}
	return nil
}

// HealthProber adapts Backend.Ping to network.Prober.
type HealthProber struct {
	Backend Backend
}

func (p HealthProber) Probe(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	err := p.Backend.Ping(ctx)
	return time.Since(start), err
}
