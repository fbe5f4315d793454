package constants

// contextKey is an unexported type for context keys in this package.
// Using a custom type prevents collisions with keys from other packages
// that might use the same underlying string value.
type contextKey string

const (
	HeaderXRequestID     = "x-request-id"
	HeaderXCorrelationID = "x-correlation-id"

	// ContextKeyRequestID is the context key for the request ID.
	ContextKeyRequestID contextKey = HeaderXRequestID
	// ContextKeyCorrelationID is the context key for the saga correlation ID.
	ContextKeyCorrelationID contextKey = HeaderXCorrelationID
)
