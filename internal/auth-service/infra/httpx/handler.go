package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/identity-sagas/internal/auth-service/app"
	"github.com/jcmexdev/identity-sagas/internal/auth-service/core/domain"
	"github.com/jcmexdev/identity-sagas/internal/coordinator"
	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/pkg/interceptors"
)

// Sagas is the slice of app.Service the handler needs.
type Sagas interface {
	Register(ctx context.Context, r app.Registration) (*sagalog.SagaTransaction, error)
	Delete(ctx context.Context, userID string) (*sagalog.SagaTransaction, error)
	Account(ctx context.Context, userID string) (*domain.Account, error)
	Saga(ctx context.Context, sagaID string) (*sagalog.SagaTransaction, error)
	History(ctx context.Context, sagaID string) ([]sagalog.Transition, error)
}

type HealthChecker interface {
	IsHealthy(ctx context.Context) coordinator.Health
}

// Handler serves the registration and deletion API.
type Handler struct {
	sagas  Sagas
	health HealthChecker
}

func NewHandler(sagas Sagas, health HealthChecker) *Handler {
	return &Handler{sagas: sagas, health: health}
}

// Register starts a registration saga and reports where it got to.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	slog.InfoContext(r.Context(), "registration requested", "request_id", interceptors.RequestIDFromContext(r.Context()))

	tx, err := h.sagas.Register(r.Context(), app.Registration{
		Email:       req.Email,
		Username:    req.Username,
		DisplayName: req.DisplayName,
		Password:    req.Password,
	})
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, sagaStatusCode(tx.Status), mapSaga(tx))
}

func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	tx, err := h.sagas.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, sagaStatusCode(tx.Status), mapSaga(tx))
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	acc, err := h.sagas.Account(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{
		ID:          acc.ID,
		Email:       acc.Email,
		Username:    acc.Username,
		DisplayName: acc.DisplayName,
		Status:      string(acc.Status),
		CreatedAt:   formatTime(acc.CreatedAt),
		UpdatedAt:   formatTime(acc.UpdatedAt),
	})
}

func (h *Handler) GetSaga(w http.ResponseWriter, r *http.Request) {
	tx, err := h.sagas.Saga(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSaga(tx))
}

func (h *Handler) GetSagaHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.sagas.Saga(r.Context(), id); err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	hist, err := h.sagas.History(r.Context(), id)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	out := make([]TransitionResponse, len(hist))
	for i, t := range hist {
		out[i] = TransitionResponse{
			From:             string(t.FromStatus),
			To:               string(t.ToStatus),
			Step:             t.Step,
			Reason:           t.Reason,
			ErrorMessage:     t.ErrorMessage,
			RetryCount:       t.RetryCount,
			ProcessingTimeMs: t.ProcessingTimeMs,
			TraceID:          t.TraceID,
			At:               formatTime(t.At),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// Healthz answers 503 when the broker or the scheduler is down.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	hl := h.health.IsHealthy(r.Context())
	resp := HealthResponse{Status: "ok", Transport: hl.Transport, Scheduler: hl.Scheduler}
	code := http.StatusOK
	if !hl.OK() {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// sagaStatusCode picks the response code for a freshly started saga.
func sagaStatusCode(st sagalog.Status) int {
	switch st {
	case sagalog.StatusCompleted:
		return http.StatusCreated
	case sagalog.StatusCompensated, sagalog.StatusFailed:
		return http.StatusUnprocessableEntity
	case sagalog.StatusCompensationFailed:
		return http.StatusInternalServerError
	}
	return http.StatusAccepted
}

func mapSaga(tx *sagalog.SagaTransaction) SagaResponse {
	return SagaResponse{
		ID:           tx.SagaID,
		Type:         tx.EventType,
		UserID:       tx.UserID,
		Status:       string(tx.Status),
		Outcome:      tx.Status.Outcome(),
		CurrentStep:  tx.CurrentStep,
		Completed:    stepNames(tx.CompletedSteps),
		Compensated:  stepNames(tx.CompensatedSteps),
		RetryCount:   tx.RetryCount,
		ErrorType:    tx.ErrorType,
		ErrorMessage: tx.ErrorMessage,
		TimeoutAt:    formatTime(tx.TimeoutAt),
		CreatedAt:    formatTime(tx.CreatedAt),
		UpdatedAt:    formatTime(tx.UpdatedAt),
	}
}

func stepNames(recs []sagalog.StepRecord) []string {
	names := make([]string, 0, len(recs))
	for _, r := range recs {
		names = append(names, r.Name)
	}
	return names
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errs.Is(err, errs.NotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errs.Is(err, errs.Conflict), errs.Is(err, errs.Duplicate):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errs.Is(err, errs.Unavailable), errs.Is(err, errs.Transient):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		slog.ErrorContext(ctx, "request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:   code,
		Message: msg,
	})
}
