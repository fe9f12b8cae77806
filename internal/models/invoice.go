package models

import "time"

// Invoice statuses known to the backend.
const (
	InvoiceDraft     = "draft"
	InvoiceIssued    = "issued"
	InvoicePaid      = "paid"
	InvoiceCancelled = "cancelled"
)

// Invoice is the backend read model of an invoice.
type Invoice struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	Total     int64     `json:"total"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaleLine is a single cart line of a sale.
type SaleLine struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// SalePayload is the payload of a sale_create operation.
type SalePayload struct {
	InvoiceID string     `json:"invoice_id,omitempty"`
	Lines     []SaleLine `json:"lines"`
	Customer  string     `json:"customer,omitempty"`
}

// Total sums the line amounts in minor currency units.
func (p SalePayload) Total() int64 {
	var total int64
	for _, l := range p.Lines {
		total += int64(l.Quantity) * l.UnitPrice
	}
	return total
}

// StatusUpdatePayload is the payload of a status_update operation.
type StatusUpdatePayload struct {
	Status string `json:"status"`
}

// EmailPayload is the payload of an email_send operation.
type EmailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject,omitempty"`
}

// PrintPayload is the payload of a print_request operation.
type PrintPayload struct {
	Printer string `json:"printer,omitempty"`
	Copies  int    `json:"copies,omitempty"`
}
