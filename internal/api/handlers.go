package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"possync/internal/executor"
	"possync/internal/export"
	"possync/internal/models"
	"possync/internal/queue"
)

const maxBodyBytes = 1 << 20

type submitRequest struct {
	Type           models.OperationType `json:"type"`
	TargetEntityID string               `json:"target_entity_id"`
	Payload        json.RawMessage      `json:"payload"`
}

type retryRequest struct {
	IDs []string `json:"ids"`
}

type operationsResponse struct {
	Operations []models.QueuedOperation `json:"operations"`
	Status     models.QueueStatus       `json:"status"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.TargetEntityID = strings.TrimSpace(req.TargetEntityID)
	if req.Type != "" && !s.svc.Accepts(req.Type) {
		s.writeServiceError(w, fmt.Errorf("%w: %s", executor.ErrUnknownOperationType, req.Type))
		return
	}

	res, err := s.svc.Submit(r.Context(), req.Type, req.TargetEntityID, req.Payload)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	code := http.StatusOK
	if res.Queued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	ops := s.svc.Operations()
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		filtered := ops[:0]
		for _, op := range ops {
			if string(op.Status) == status {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	if ops == nil {
		ops = []models.QueuedOperation{}
	}
	writeJSON(w, http.StatusOK, operationsResponse{Operations: ops, Status: s.svc.Status()})
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	op, ok := s.svc.Operation(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, queue.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *HTTPServer) handleDiscard(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Discard(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleRetryOne(w http.ResponseWriter, r *http.Request) {
	s.retry(w, r, []string{r.PathValue("id")})
}

func (s *HTTPServer) handleRetryMany(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids are required")
		return
	}
	s.retry(w, r, req.IDs)
}

func (s *HTTPServer) retry(w http.ResponseWriter, r *http.Request, ids []string) {
	res, err := s.svc.Retry(r.Context(), ids)
	if err != nil && !errors.Is(err, queue.ErrStore) {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.SyncNow(r.Context())
	if err != nil && !errors.Is(err, queue.ErrStore) {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *HTTPServer) handleNetwork(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Network())
}

func (s *HTTPServer) handleInvoice(w http.ResponseWriter, r *http.Request) {
	if s.invoices == nil {
		writeError(w, http.StatusNotFound, "invoice view disabled")
		return
	}
	inv, ok := s.invoices.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "invoice not tracked")
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="queue-`+time.Now().UTC().Format("20060102-150405")+`.xlsx"`)
	if err := export.WriteQueue(w, s.svc.Operations(), s.svc.Status()); err != nil {
		s.logger.Error().Err(err).Msg("Queue export failed")
	}
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	writeError(w, code, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, executor.ErrUnknownOperationType),
		errors.Is(err, models.ErrMissingType),
		errors.Is(err, models.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, queue.ErrSyncing):
		return http.StatusConflict
	}

	var statusErr *executor.StatusError
	if errors.As(err, &statusErr) {
		return http.StatusUnprocessableEntity
	}
	if ce := executor.Classify(err); ce != nil && ce.Kind == executor.Terminal {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}
