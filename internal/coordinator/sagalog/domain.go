// Package sagalog defines the durable saga record and its audit trail.
//
// A SagaTransaction is the single row that describes where a saga is: its
// status, the step in flight, the ordered list of steps already completed and
// the free-form context carried between steps. Every status change also
// appends a Transition, which gives two things:
//
//  1. Observability: the full path of a saga can be read back and joined with
//     the distributed trace through trace_id.
//
//  2. Recovery: on restart, the timeout sweep finds sagas that were in flight
//     when the process died and drives them into compensation.
package sagalog

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a saga.
type Status string

const (
	StatusStarted            Status = "STARTED"
	StatusInProgress         Status = "IN_PROGRESS"
	StatusStepCompleted      Status = "STEP_COMPLETED"
	StatusStepFailed         Status = "STEP_FAILED"
	StatusCompensating       Status = "COMPENSATING"
	StatusCompensated        Status = "COMPENSATED"
	StatusCompensationFailed Status = "COMPENSATION_FAILED"
	StatusCompleted          Status = "COMPLETED"
	StatusFailed             Status = "FAILED"
	StatusTimeout            Status = "TIMEOUT"
)

// TerminalStatuses are the states after which a record never changes again.
var TerminalStatuses = []Status{
	StatusCompleted,
	StatusFailed,
	StatusCompensated,
	StatusCompensationFailed,
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return slices.Contains(TerminalStatuses, s)
}

// AwaitingCompensation reports whether the compensation engine may act on a
// saga in this state. COMPENSATING is included so an interrupted run resumes.
func (s Status) AwaitingCompensation() bool {
	return s == StatusStepFailed || s == StatusTimeout || s == StatusCompensating
}

// transitions lists the forward moves of the state machine. IN_PROGRESS to
// IN_PROGRESS is a retry of the same step; COMPENSATING to COMPENSATING
// records progress through the reverse actions.
var transitions = map[Status][]Status{
	StatusStarted:       {StatusInProgress, StatusTimeout, StatusFailed},
	StatusInProgress:    {StatusInProgress, StatusStepCompleted, StatusStepFailed, StatusTimeout, StatusFailed},
	StatusStepCompleted: {StatusInProgress, StatusCompleted, StatusStepFailed, StatusTimeout, StatusFailed},
	StatusStepFailed:    {StatusInProgress, StatusCompensating, StatusTimeout},
	StatusTimeout:       {StatusCompensating},
	StatusCompensating:  {StatusCompensating, StatusCompensated, StatusCompensationFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// Outcome maps a status onto what the surrounding APIs tell their callers.
func (s Status) Outcome() string {
	switch s {
	case StatusCompleted:
		return "succeeded"
	case StatusCompensated, StatusFailed:
		return "failed, no partial state left"
	case StatusCompensationFailed:
		return "failed, manual cleanup required"
	default:
		return "in progress"
	}
}

// StepRecord is one entry of the completed-steps list: the step name and the
// output its execute function returned, which the reverse action receives.
type StepRecord struct {
	Name        string    `json:"name"`
	Output      string    `json:"output,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// SagaTransaction is the durable state of one saga. It is owned by the
// service that created it; other services refer to it only by SagaID.
type SagaTransaction struct {
	SagaID          string
	OriginalEventID string
	EventType       string
	UserID          string

	Status      Status
	CurrentStep string

	// CompletedSteps is append-only until compensation begins. Compensation
	// pops from the end and moves each record to CompensatedSteps.
	CompletedSteps   []StepRecord
	CompensatedSteps []StepRecord

	Context map[string]string

	RetryCount    int
	MaxRetryCount int

	ErrorType    string
	ErrorMessage string

	ProcessingStartTime time.Time
	ProcessingEndTime   time.Time

	// TimeoutAt is set at creation and never decreases.
	TimeoutAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version is bumped by every successful Repository.Update.
	Version int64

	// TraceID links the record to the trace that created it.
	TraceID string
}

// Clone returns a deep copy so stores can hand out records without sharing
// slices or maps with their callers.
func (t *SagaTransaction) Clone() *SagaTransaction {
	c := *t
	c.CompletedSteps = slices.Clone(t.CompletedSteps)
	c.CompensatedSteps = slices.Clone(t.CompensatedSteps)
	c.Context = maps.Clone(t.Context)
	return &c
}

// SetContext stores a value in the context bag. An empty value removes key.
func (t *SagaTransaction) SetContext(key, value string) {
	if value == "" {
		delete(t.Context, key)
		return
	}
	if t.Context == nil {
		t.Context = make(map[string]string)
	}
	t.Context[key] = value
}

// ContextValue returns a context value or "".
func (t *SagaTransaction) ContextValue(key string) string {
	return t.Context[key]
}

// Completed looks up a completed step by name.
func (t *SagaTransaction) Completed(name string) (StepRecord, bool) {
	for _, r := range t.CompletedSteps {
		if r.Name == name {
			return r, true
		}
	}
	return StepRecord{}, false
}

// PushCompleted appends a step result.
func (t *SagaTransaction) PushCompleted(name, output string, at time.Time) {
	t.CompletedSteps = append(t.CompletedSteps, StepRecord{Name: name, Output: output, CompletedAt: at})
}

// PeekCompleted returns the most recently completed step, if any.
func (t *SagaTransaction) PeekCompleted() (StepRecord, bool) {
	if len(t.CompletedSteps) == 0 {
		return StepRecord{}, false
	}
	return t.CompletedSteps[len(t.CompletedSteps)-1], true
}

// PopCompleted moves the most recently completed step to CompensatedSteps.
func (t *SagaTransaction) PopCompleted() {
	n := len(t.CompletedSteps)
	if n == 0 {
		return
	}
	last := t.CompletedSteps[n-1]
	t.CompletedSteps = t.CompletedSteps[:n-1]
	t.CompensatedSteps = append(t.CompensatedSteps, last)
}

// TimedOut reports whether now is past the deadline.
func (t *SagaTransaction) TimedOut(now time.Time) bool {
	return !t.TimeoutAt.IsZero() && !now.Before(t.TimeoutAt)
}

// MarkProcessingStart records the first dispatch time once.
func (t *SagaTransaction) MarkProcessingStart(now time.Time) {
	if t.ProcessingStartTime.IsZero() {
		t.ProcessingStartTime = now
	}
}

// ProcessingTime is the time spent since the first dispatch, up to the end
// time when the saga has finished.
func (t *SagaTransaction) ProcessingTime(now time.Time) time.Duration {
	if t.ProcessingStartTime.IsZero() {
		return 0
	}
	end := t.ProcessingEndTime
	if end.IsZero() {
		end = now
	}
	return end.Sub(t.ProcessingStartTime)
}

// Transition is one append-only row of the saga log.
type Transition struct {
	SagaID       string
	FromStatus   Status
	ToStatus     Status
	Step         string
	Reason       string
	ErrorMessage string
	RetryCount   int

	// ProcessingTimeMs is the saga's processing time when the row was written.
	ProcessingTimeMs int64

	// TraceID and SpanID identify the span active when the transition happened.
	TraceID string
	SpanID  string

	At time.Time
}
