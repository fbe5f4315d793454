package httpx

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jcmexdev/identity-sagas/internal/coordinator"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/user-service/core/ports"
)

type HealthChecker interface {
	IsHealthy(ctx context.Context) coordinator.Health
}

// Handler serves read-only profile lookups next to the probes.
type Handler struct {
	profiles ports.ProfileStore
	health   HealthChecker
}

func NewHandler(profiles ports.ProfileStore, health HealthChecker) *Handler {
	return &Handler{profiles: profiles, health: health}
}

type ProfileResponse struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	DeletedAt   string `json:"deleted_at,omitempty"`
}

func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := h.profiles.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errs.Is(err, errs.NotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	case err != nil:
		slog.ErrorContext(r.Context(), "profile lookup failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal_error"})
		return
	}

	resp := ProfileResponse{
		UserID:      p.UserID,
		Email:       p.Email,
		Username:    p.Username,
		DisplayName: p.DisplayName,
		Status:      string(p.Status),
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
	}
	if p.DeletedAt != nil {
		resp.DeletedAt = p.DeletedAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	hl := h.health.IsHealthy(r.Context())
	code := http.StatusOK
	if !hl.OK() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, hl)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
