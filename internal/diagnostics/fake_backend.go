package diagnostics

import (
	"context"
	"fmt"
	"sync"

	"possync/internal/backend"
	"possync/internal/models"
)

// Effect is one applied backend mutation.
type Effect struct {
	IdempotencyKey string
	Method         string
	Target         string
}

// FakeBackend is an in-memory backend that collapses repeated calls carrying
// the same idempotency key into one effect.
type FakeBackend struct {
	mu       sync.Mutex
	invoices map[string]*models.Invoice
	seen     map[string]struct{}
	effects  []Effect
	calls    int
	failing  map[string]error
}

var _ backend.Backend = (*FakeBackend)(nil)

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		invoices: make(map[string]*models.Invoice),
		seen:     make(map[string]struct{}),
		failing:  make(map[string]error),
	}
}

// AddInvoice seeds an invoice.
func (b *FakeBackend) AddInvoice(inv models.Invoice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invoices[inv.ID] = &inv
}

// FailTarget makes every mutation of target fail with err until cleared with a nil err.
func (b *FakeBackend) FailTarget(target string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failing, target)
		return
	}
	b.failing[target] = err
}

// Effects returns applied mutations in order.
func (b *FakeBackend) Effects() []Effect {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Effect(nil), b.effects...)
}

// Calls counts every mutation request, duplicates included.
func (b *FakeBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *FakeBackend) apply(key, method, target string, effect func() error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if err := b.failing[target]; err != nil {
		return err
	}
	if _, dup := b.seen[key]; dup {
		return nil
	}
	if effect != nil {
		if err := effect(); err != nil {
			return err
		}
	}
	b.seen[key] = struct{}{}
	b.effects = append(b.effects, Effect{IdempotencyKey: key, Method: method, Target: target})
	return nil
}

func (b *FakeBackend) CreateSale(_ context.Context, key, saleID string, sale models.SalePayload) error {
	return b.apply(key, "CreateSale", saleID, func() error {
		if len(sale.Lines) == 0 {
			return fmt.Errorf("sale %s has no lines: %w", saleID, backend.ErrInvalidRequest)
		}
		if sale.InvoiceID != "" {
			b.invoices[sale.InvoiceID] = &models.Invoice{ID: sale.InvoiceID, Status: models.InvoiceIssued, Total: sale.Total()}
		}
		return nil
	})
}

func (b *FakeBackend) UpdateInvoiceStatus(_ context.Context, key, invoiceID, status string) error {
	return b.apply(key, "UpdateInvoiceStatus", invoiceID, func() error {
		inv, ok := b.invoices[invoiceID]
		if !ok {
			return backend.ErrNotFound
		}
		inv.Status = status
		return nil
	})
}

func (b *FakeBackend) SendInvoiceEmail(_ context.Context, key, invoiceID string, _ models.EmailPayload) error {
	return b.apply(key, "SendInvoiceEmail", invoiceID, nil)
}

func (b *FakeBackend) RequestInvoicePrint(_ context.Context, key, invoiceID string, _ models.PrintPayload) error {
	return b.apply(key, "RequestInvoicePrint", invoiceID, nil)
}

func (b *FakeBackend) GetInvoice(_ context.Context, invoiceID string) (*models.Invoice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	inv, ok := b.invoices[invoiceID]
	if !ok {
		return nil, backend.ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (b *FakeBackend) Ping(context.Context) error {
	return nil
}
