package service

import (
	"context"
	"errors"
	"sort"
	"sync"

	"possync/internal/models"

	"github.com/rs/zerolog"
)

// InvoiceReader fetches the backend's view of an invoice.
type InvoiceReader interface {
	GetInvoice(ctx context.Context, invoiceID string) (*models.Invoice, error)
}

// InvoiceView is a local read model of invoices touched by queued work. It
// is refreshed after drain passes that synced at least one operation.
type InvoiceView struct {
	reader InvoiceReader
	logger *zerolog.Logger

	mu       sync.RWMutex
	tracked  map[string]struct{}
	invoices map[string]models.Invoice
}

func NewInvoiceView(reader InvoiceReader, logger *zerolog.Logger) *InvoiceView {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &InvoiceView{
		reader:   reader,
		logger:   logger,
		tracked:  make(map[string]struct{}),
		invoices: make(map[string]models.Invoice),
	}
}

func (v *InvoiceView) Track(invoiceID string) {
	v.mu.Lock()
	v.tracked[invoiceID] = struct{}{}
	v.mu.Unlock()
}

// Get returns the last refreshed copy of an invoice.
func (v *InvoiceView) Get(invoiceID string) (models.Invoice, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	inv, ok := v.invoices[invoiceID]
	return inv, ok
}

// Refresh reloads every tracked invoice. Failures are collected; invoices that
// loaded keep their new state.
func (v *InvoiceView) Refresh(ctx context.Context) error {
	v.mu.RLock()
	ids := make([]string, 0, len(v.tracked))
	for id := range v.tracked {
		ids = append(ids, id)
	}
	v.mu.RUnlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		inv, err := v.reader.GetInvoice(ctx, id)
		if err != nil {
			v.logger.Warn().Err(err).Str("invoice_id", id).Msg("Invoice refresh failed")
			errs = append(errs, err)
			continue
		}
		v.mu.Lock()
		v.invoices[id] = *inv
		v.mu.Unlock()
	}
	return errors.Join(errs...)
}
