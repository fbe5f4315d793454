package app

import (
	"context"
	"log/slog"

	"github.com/jcmexdev/identity-sagas/internal/coordinator"
	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/event"
	"github.com/jcmexdev/identity-sagas/internal/ledger"
	"github.com/jcmexdev/identity-sagas/internal/pkg/metrics"
	"github.com/jcmexdev/identity-sagas/internal/transport"
)

// FeedbackConsumer applies USER_MANAGEMENT_STATUS reports to the origin sagas
// waiting on them.
type FeedbackConsumer struct {
	orch  *coordinator.Orchestrator
	guard *ledger.Consumer
	codec *event.Codec
}

func NewFeedbackConsumer(orch *coordinator.Orchestrator, guard *ledger.Consumer, codec *event.Codec) *FeedbackConsumer {
	return &FeedbackConsumer{orch: orch, guard: guard, codec: codec}
}

// Handler is the broker handler for the status topic.
func (c *FeedbackConsumer) Handler() transport.Handler {
	return transport.Decode(c.codec, c.handle)
}

func (c *FeedbackConsumer) handle(ctx context.Context, env event.Envelope) error {
	if env.EventType != event.TypeUserManagementStatus {
		slog.DebugContext(ctx, "feedback: ignoring event", "event_type", env.EventType, "event_id", env.EventID)
		return nil
	}
	var st event.UserManagementStatus
	if err := c.codec.Open(env, &st); err != nil {
		return err
	}

	out, err := c.guard.Process(ctx, env, func(ctx context.Context) (ledger.Result, error) {
		if st.Step == "" {
			// Acknowledgement of a compensation command; nothing is waiting on it.
			slog.InfoContext(ctx, "feedback: compensation acknowledged",
				"origin_saga_id", st.OriginSagaID,
				"status", st.Status,
			)
			return ledger.Result{Output: st.Status}, nil
		}
		err := c.orch.HandleStepResult(ctx, coordinator.StepResult{
			SagaID:       st.OriginSagaID,
			Step:         st.Step,
			Attempt:      st.Attempt,
			Success:      st.Status == string(sagalog.StatusCompleted),
			Output:       st.Output,
			ErrorType:    st.ErrorType,
			ErrorMessage: st.ErrorMessage,
		})
		return ledger.Result{Output: st.Status}, err
	})
	if err != nil {
		return err
	}
	if out.Duplicate {
		metrics.DuplicateEvents.WithLabelValues(env.EventType).Inc()
		slog.InfoContext(ctx, "feedback: duplicate delivery skipped",
			"event_id", env.EventID,
			"origin_saga_id", st.OriginSagaID,
		)
	}
	return nil
}
