package sagalog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OTel identifiers extracted from a context.
type TraceInfo struct {
	// TraceID is the W3C trace ID (32 lowercase hex chars).
	// Empty string if no active span is found in the context.
	TraceID string

	// SpanID is the W3C span ID (16 lowercase hex chars).
	SpanID string
}

// ExtractTraceInfo reads the active OpenTelemetry span from ctx and returns
// its trace_id and span_id as hex strings. Contexts without a valid span
// (e.g. in unit tests) yield empty strings.
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewTransition builds the saga log row for a move of tx from `from` to its
// current status, stamped with the trace info of ctx.
//
//	t := sagalog.NewTransition(ctx, tx, sagalog.StatusInProgress, "step failed, retrying", now)
//	_ = repo.AppendTransition(ctx, t)
func NewTransition(ctx context.Context, tx *SagaTransaction, from Status, reason string, now time.Time) *Transition {
	ti := ExtractTraceInfo(ctx)

	return &Transition{
		SagaID:           tx.SagaID,
		FromStatus:       from,
		ToStatus:         tx.Status,
		Step:             tx.CurrentStep,
		Reason:           reason,
		ErrorMessage:     tx.ErrorMessage,
		RetryCount:       tx.RetryCount,
		ProcessingTimeMs: tx.ProcessingTime(now).Milliseconds(),
		TraceID:          ti.TraceID,
		SpanID:           ti.SpanID,
		At:               now.UTC(),
	}
}
