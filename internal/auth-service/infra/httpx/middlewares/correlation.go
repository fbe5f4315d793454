package middlewares

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jcmexdev/identity-sagas/internal/pkg/interceptors"
	"github.com/jcmexdev/identity-sagas/internal/pkg/interceptors/constants"
)

// AttachCorrelation stores the chi request id and the caller's correlation id
// in the request context and echoes both back as response headers.
func AttachCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.GetReqID(r.Context())
		correlationID := r.Header.Get(constants.HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = requestID
		}

		ctx := interceptors.WithRequestID(r.Context(), requestID)
		ctx = interceptors.WithCorrelationID(ctx, correlationID)

		w.Header().Set(constants.HeaderXRequestID, requestID)
		w.Header().Set(constants.HeaderXCorrelationID, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
