// Package backend talks to the hosted POS backend over HTTP or gRPC.
package backend

import (
	"context"
	"errors"

	"possync/internal/models"
)

// IdempotencyHeader carries the operation's idempotency key on HTTP requests.
// gRPC calls use the lower-case form as a metadata key.
const (
	IdempotencyHeader   = "Idempotency-Key"
	IdempotencyMetadata = "idempotency-key"
)

// Errors a Backend implementation reports to the server adapters.
var (
	ErrNotFound       = errors.New("entity not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrUnavailable    = errors.New("backend unavailable")
)

// Backend is the set of remote calls queued operations map to. Every
// mutation takes the idempotency key of the operation that produced it.
type Backend interface {
	CreateSale(ctx context.Context, idempotencyKey, saleID string, sale models.SalePayload) error
	UpdateInvoiceStatus(ctx context.Context, idempotencyKey, invoiceID, status string) error
	SendInvoiceEmail(ctx context.Context, idempotencyKey, invoiceID string, email models.EmailPayload) error
	RequestInvoicePrint(ctx context.Context, idempotencyKey, invoiceID string, job models.PrintPayload) error
	GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error)
	Ping(ctx context.Context) error
}
