package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"possync/internal/models"
)

// NewHTTPHandler serves impl with the same routes HTTPClient calls.
func NewHTTPHandler(impl Backend) http.Handler {
	h := &httpHandler{impl: impl}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handlePing)
	mux.HandleFunc("POST /api/v1/sales/{id}", h.handleCreateSale)
	mux.HandleFunc("PUT /api/v1/invoices/{id}/status", h.handleInvoiceStatus)
	mux.HandleFunc("POST /api/v1/invoices/{id}/email", h.handleInvoiceEmail)
	mux.HandleFunc("POST /api/v1/invoices/{id}/print", h.handleInvoicePrint)
	mux.HandleFunc("GET /api/v1/invoices/{id}", h.handleGetInvoice)
	return mux
}

type httpHandler struct {
	impl Backend
}

func (h *httpHandler) handlePing(w http.ResponseWriter, r *http.Request) {
	if err := h.impl.Ping(r.Context()); err != nil {
		writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandler) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var sale models.SalePayload
	h.mutate(w, r, &sale, func(ctx context.Context, key string) error {
		return h.impl.CreateSale(ctx, key, r.PathValue("id"), sale)
	})
}

func (h *httpHandler) handleInvoiceStatus(w http.ResponseWriter, r *http.Request) {
	var body models.StatusUpdatePayload
	h.mutate(w, r, &body, func(ctx context.Context, key string) error {
		return h.impl.UpdateInvoiceStatus(ctx, key, r.PathValue("id"), body.Status)
	})
}

func (h *httpHandler) handleInvoiceEmail(w http.ResponseWriter, r *http.Request) {
	var body models.EmailPayload
	h.mutate(w, r, &body, func(ctx context.Context, key string) error {
		return h.impl.SendInvoiceEmail(ctx, key, r.PathValue("id"), body)
	})
}

func (h *httpHandler) handleInvoicePrint(w http.ResponseWriter, r *http.Request) {
	var body models.PrintPayload
	h.mutate(w, r, &body, func(ctx context.Context, key string) error {
		return h.impl.RequestInvoicePrint(ctx, key, r.PathValue("id"), body)
	})
}

func (h *httpHandler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, err := h.impl.GetInvoice(r.Context(), r.PathValue("id"))
	if err != nil {
		writeBackendError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(inv)
}

func (h *httpHandler) mutate(w http.ResponseWriter, r *http.Request, body any, call func(ctx context.Context, key string) error) {
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		http.Error(w, "missing Idempotency-Key header", http.StatusBadRequest)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if err := call(r.Context(), key); err != nil {
		writeBackendError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeBackendError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnavailable):
		code = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), code)
}
