package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"possync/internal/config"
	"possync/internal/events"
	"possync/internal/models"

	"github.com/rs/zerolog"
)

// OperationService is the queue surface exposed over HTTP.
type OperationService interface {
	Accepts(opType models.OperationType) bool
	Submit(ctx context.Context, opType models.OperationType, targetEntityID string, payload json.RawMessage) (models.SubmitResult, error)
	Operations() []models.QueuedOperation
	Operation(id string) (models.QueuedOperation, bool)
	Discard(ctx context.Context, id string) error
	SyncNow(ctx context.Context) (models.SyncResult, error)
	Retry(ctx context.Context, ids []string) (models.SyncResult, error)
	Status() models.QueueStatus
	Network() models.NetworkState
}

// InvoiceSource serves the locally refreshed invoice read model.
type InvoiceSource interface {
	Get(invoiceID string) (models.Invoice, bool)
}

// EventSource is the bus streamed to websocket clients.
type EventSource interface {
	Subscribe(eventType string, handler events.EventHandler) func()
}

// HTTPServer exposes the local queue API to the POS front end.
type HTTPServer struct {
	cfg      config.APIConfig
	svc      OperationService
	bus      EventSource
	invoices InvoiceSource
	logger   *zerolog.Logger
	server   *http.Server
	auth     *HTTPAuth
	handler  http.Handler
}

func NewHTTPServer(cfg config.APIConfig, svc OperationService, bus EventSource, invoices InvoiceSource, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	mux := http.NewServeMux()
	srv := &HTTPServer{cfg: cfg, svc: svc, bus: bus, invoices: invoices, logger: logger}
	srv.auth = NewHTTPAuth(cfg)

	mux.HandleFunc("GET /healthz", srv.handleHealth)
	mux.HandleFunc("POST /api/v1/operations", srv.handleSubmit)
	mux.HandleFunc("GET /api/v1/operations", srv.handleList)
	mux.HandleFunc("GET /api/v1/operations/export.xlsx", srv.handleExport)
	mux.HandleFunc("POST /api/v1/operations/retry", srv.handleRetryMany)
	mux.HandleFunc("GET /api/v1/operations/{id}", srv.handleGet)
	mux.HandleFunc("DELETE /api/v1/operations/{id}", srv.handleDiscard)
	mux.HandleFunc("POST /api/v1/operations/{id}/retry", srv.handleRetryOne)
	mux.HandleFunc("POST /api/v1/sync", srv.handleSync)
	mux.HandleFunc("GET /api/v1/status", srv.handleStatus)
	mux.HandleFunc("GET /api/v1/network", srv.handleNetwork)
	mux.HandleFunc("GET /api/v1/invoices/{id}", srv.handleInvoice)
	if bus != nil {
		mux.HandleFunc("GET /api/v1/events", srv.handleEvents)
	}

	srv.handler = loggingMiddleware(logger, srv.auth.Wrap(mux))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return srv
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return errors.New("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
