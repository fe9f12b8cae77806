package backend

import (
	"context"
	"sync"
	"time"

	"possync/internal/models"
)

type call struct {
	Method string
	Key    string
	Target string
	Body   any
}

// recordingBackend is an in-memory Backend used by the transport tests.
type recordingBackend struct {
	mu       sync.Mutex
	calls    []call
	invoices map[string]*models.Invoice
	err      error
	pings    int
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{invoices: map[string]*models.Invoice{
		"inv-1": {ID: "inv-1", Status: models.InvoiceIssued, Total: 1200, UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}}
}

func (b *recordingBackend) record(method, key, target string, body any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call{Method: method, Key: key, Target: target, Body: body})
	return b.err
}

func (b *recordingBackend) setErr(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
}

func (b *recordingBackend) Calls() []call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]call(nil), b.calls...)
}

func (b *recordingBackend) CreateSale(ctx context.Context, key, saleID string, sale models.SalePayload) error {
	return b.record("CreateSale", key, saleID, sale)
}

func (b *recordingBackend) UpdateInvoiceStatus(ctx context.Context, key, invoiceID, status string) error {
	if err := b.record("UpdateInvoiceStatus", key, invoiceID, status); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	inv, ok := b.invoices[invoiceID]
	if !ok {
		return ErrNotFound
	}
	inv.Status = status
	return nil
}

func (b *recordingBackend) SendInvoiceEmail(ctx context.Context, key, invoiceID string, email models.EmailPayload) error {
	return b.record("SendInvoiceEmail", key, invoiceID, email)
}

func (b *recordingBackend) RequestInvoicePrint(ctx context.Context, key, invoiceID string, job models.PrintPayload) error {
	return b.record("RequestInvoicePrint", key, invoiceID, job)
}

func (b *recordingBackend) GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error) {
	if err := b.record("GetInvoice", "", invoiceID, nil); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	inv, ok := b.invoices[invoiceID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *inv
	return &cp, nil
}

func (b *recordingBackend) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pings++
	return b.err
}
