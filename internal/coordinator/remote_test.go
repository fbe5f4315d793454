package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/identity-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
)

type command struct {
	step    string
	attempt int
}

// outbox is a remote step that only records what it was asked to do.
type outbox struct {
	mu       sync.Mutex
	sent     []command
	reversed []string
}

func (b *outbox) step(name string, reverseInFlight bool) Step {
	return Step{
		Name: name,
		Mode: ModeRemote,
		Execute: func(_ context.Context, sc *StepContext) (string, error) {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.sent = append(b.sent, command{step: sc.Step, attempt: sc.Attempt})
			return "", nil
		},
		Reverse: func(_ context.Context, sc *StepContext, _ string) error {
			b.mu.Lock()
			defer b.mu.Unlock()
			b.reversed = append(b.reversed, sc.Step)
			return nil
		},
		ReverseInFlight: reverseInFlight,
	}
}

func (b *outbox) commands() []command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]command(nil), b.sent...)
}

func TestRemoteStepWaitsForResult(t *testing.T) {
	ctx := context.Background()
	j, box := &journal{}, &outbox{}
	f := newFixture(t, definition("create", "provision", "activate"),
		localStep(j, "create", nil), box.step("provision", true), localStep(j, "activate", nil))

	id, err := f.orch.StartSaga(ctx, "TEST", "u-1", nil)
	require.NoError(t, err)

	tx := f.get(t, id)
	assert.Equal(t, sagalog.StatusInProgress, tx.Status)
	assert.Equal(t, "provision", tx.CurrentStep)
	assert.Equal(t, []command{{step: "provision", attempt: 1}}, box.commands())
	assert.Equal(t, []string{"exec:create"}, j.list())

	require.NoError(t, f.orch.HandleStepResult(ctx, StepResult{SagaID: id, Step: "provision", Attempt: 1, Success: true, Output: "profile-1"}))

	tx = f.get(t, id)
	assert.Equal(t, sagalog.StatusCompleted, tx.Status)
	rec, ok := tx.Completed("provision")
	require.True(t, ok)
	assert.Equal(t, "profile-1", rec.Output)
	assert.Equal(t, []string{"exec:create", "exec:activate"}, j.list())
}

func TestStaleResultsAreDiscarded(t *testing.T) {
	ctx := context.Background()
	j, box := &journal{}, &outbox{}
	f := newFixture(t, definition("create", "provision"), localStep(j, "create", nil), box.step("provision", false))

	id, err := f.orch.StartSaga(ctx, "TEST", "u-1", nil)
	require.NoError(t, err)
	before := f.get(t, id)

	for _, r := range []StepResult{
		{SagaID: id, Step: "create", Success: true},
		{SagaID: id, Step: "provision", Attempt: 2, Success: true},
	} {
		require.NoError(t, f.orch.HandleStepResult(ctx, r))
	}
	assert.Equal(t, before.Version, f.get(t, id).Version)

	require.NoError(t, f.orch.HandleStepResult(ctx, StepResult{SagaID: id, Step: "provision", Attempt: 1, Success: true}))
	done := f.get(t, id)
	require.Equal(t, sagalog.StatusCompleted, done.Status)

	// Redelivery of the same result after completion.
	require.NoError(t, f.orch.HandleStepResult(ctx, StepResult{SagaID: id, Step: "provision", Attempt: 1, Success: true}))
	assert.Equal(t, done.Version, f.get(t, id).Version)

	assert.Equal(t, errs.NotFound, errs.KindOf(f.orch.HandleStepResult(ctx, StepResult{SagaID: "missing", Step: "provision"})))
}

func TestRemoteFailureIsRetriedThenCompensated(t *testing.T) {
	ctx := context.Background()
	j, box := &journal{}, &outbox{}
	f := newFixture(t, definition("create", "provision"), localStep(j, "create", nil), box.step("provision", true))

	id, err := f.orch.StartSaga(ctx, "TEST", "u-1", nil)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		err := f.orch.HandleStepResult(ctx, StepResult{
			SagaID:       id,
			Step:         "provision",
			Attempt:      attempt,
			ErrorType:    errs.StepFailed.String(),
			ErrorMessage: "email already registered",
		})
		require.NoError(t, err)
	}

	assert.Equal(t, []command{
		{step: "provision", attempt: 1},
		{step: "provision", attempt: 2},
		{step: "provision", attempt: 3},
	}, box.commands())

	tx := f.get(t, id)
	assert.Equal(t, sagalog.StatusCompensated, tx.Status)
	assert.Contains(t, tx.ErrorMessage, "email already registered")
	assert.Equal(t, []string{"exec:create", "reverse:create:create-out"}, j.list())
	// A failed remote step was never completed, so it is not reversed.
	assert.Empty(t, box.reversed)
}

func TestForceTimeoutReversesInFlightStep(t *testing.T) {
	ctx := context.Background()
	j, box := &journal{}, &outbox{}
	f := newFixture(t, definition("create", "provision"), localStep(j, "create", nil), box.step("provision", true))

	id, err := f.orch.StartSaga(ctx, "TEST", "u-1", nil)
	require.NoError(t, err)

	require.NoError(t, f.orch.ForceTimeout(ctx, id))
	assert.Equal(t, sagalog.StatusInProgress, f.get(t, id).Status, "deadline not reached yet")

	f.clock.Advance(31 * time.Second)
	require.NoError(t, f.orch.ForceTimeout(ctx, id))

	tx := f.get(t, id)
	assert.Equal(t, sagalog.StatusCompensated, tx.Status)
	assert.Equal(t, errs.Timeout.String(), tx.ErrorType)
	assert.Equal(t, []string{"provision"}, box.reversed)
	assert.Equal(t, []string{"exec:create", "reverse:create:create-out"}, j.list())

	hist := statuses(t, f.orch, id)
	assert.Contains(t, hist, sagalog.StatusTimeout)
	assert.Equal(t, sagalog.StatusCompensated, hist[len(hist)-1])

	// The answer arrives after the saga was given up on.
	require.NoError(t, f.orch.HandleStepResult(ctx, StepResult{SagaID: id, Step: "provision", Attempt: 1, Success: true}))
	assert.Equal(t, sagalog.StatusCompensated, f.get(t, id).Status)
}

func TestForceTimeoutWithoutInFlightReverse(t *testing.T) {
	ctx := context.Background()
	j, box := &journal{}, &outbox{}
	f := newFixture(t, definition("create", "remove"), localStep(j, "create", nil), box.step("remove", false))

	id, err := f.orch.StartSaga(ctx, "TEST", "u-1", nil)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.orch.ForceTimeout(ctx, id))
	assert.Equal(t, sagalog.StatusCompensated, f.get(t, id).Status)
	assert.Empty(t, box.reversed)

	require.NoError(t, f.orch.ForceTimeout(ctx, id))
}
