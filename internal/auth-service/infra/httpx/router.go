package httpx

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jcmexdev/identity-sagas/internal/auth-service/infra/httpx/middlewares"
)

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middlewares.AttachCorrelation)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/registrations", handler.Register)
	r.Get("/users/{id}", handler.GetUser)
	r.Delete("/users/{id}", handler.DeleteUser)
	r.Get("/sagas/{id}", handler.GetSaga)
	r.Get("/sagas/{id}/history", handler.GetSagaHistory)

	r.Get("/healthz", handler.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}
