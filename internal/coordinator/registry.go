package coordinator

import (
	"context"
	"fmt"
	"maps"
	"time"
)

// Mode says how a step reports completion.
type Mode int

const (
	// ModeLocal steps return their output from Execute.
	ModeLocal Mode = iota

	// ModeRemote steps only dispatch a command from Execute; the outcome
	// arrives later through Orchestrator.HandleStepResult.
	ModeRemote
)

func (m Mode) String() string {
	if m == ModeRemote {
		return "remote"
	}
	return "local"
}

// StepContext is what execute and reverse functions see of a saga.
type StepContext struct {
	SagaID   string
	SagaType string
	UserID   string
	Step     string

	// Attempt is 1 on first execution and grows with each retry.
	Attempt int

	values  map[string]string
	updates map[string]string
}

func newStepContext(sagaID, sagaType, userID, step string, attempt int, values map[string]string) *StepContext {
	return &StepContext{
		SagaID:   sagaID,
		SagaType: sagaType,
		UserID:   userID,
		Step:     step,
		Attempt:  attempt,
		values:   maps.Clone(values),
		updates:  make(map[string]string),
	}
}

// Get reads the saga context.
func (c *StepContext) Get(key string) string {
	if v, ok := c.updates[key]; ok {
		return v
	}
	return c.values[key]
}

// Set stages a context value. It is merged into the saga only when the step
// succeeds.
func (c *StepContext) Set(key, value string) {
	c.updates[key] = value
}

// ExecuteFunc performs a step and returns its output, which is stored in the
// completed-steps list and later handed to the reverse function.
type ExecuteFunc func(ctx context.Context, sc *StepContext) (string, error)

// ReverseFunc undoes a completed step given what it returned. It must
// tolerate being called again after a crash.
type ReverseFunc func(ctx context.Context, sc *StepContext, output string) error

// Step is one registry entry.
type Step struct {
	Name    string
	Mode    Mode
	Execute ExecuteFunc

	// Reverse is nil for steps with nothing to undo.
	Reverse ReverseFunc

	// ReverseInFlight also reverses this remote step when its saga times out
	// while the step is outstanding and its outcome is unknown.
	ReverseInFlight bool
}

// Definition is an ordered list of step names for one saga type.
type Definition struct {
	Type       string
	Steps      []string
	Timeout    time.Duration
	MaxRetries int
}

// After returns the step that follows name, or the first step when name is "".
func (d Definition) After(name string) (string, bool) {
	if name == "" {
		return d.Steps[0], true
	}
	for i, s := range d.Steps {
		if s == name && i+1 < len(d.Steps) {
			return d.Steps[i+1], true
		}
	}
	return "", false
}

// Registry maps step names to their functions and saga types to definitions.
// It is filled at startup and read-only afterwards.
type Registry struct {
	steps map[string]Step
	sagas map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{
		steps: make(map[string]Step),
		sagas: make(map[string]Definition),
	}
}

// Register adds steps, rejecting unnamed, duplicate or empty entries.
func (r *Registry) Register(steps ...Step) error {
	for _, s := range steps {
		switch {
		case s.Name == "":
			return fmt.Errorf("coordinator: step without a name")
		case s.Execute == nil:
			return fmt.Errorf("coordinator: step %q has no execute function", s.Name)
		}
		if _, dup := r.steps[s.Name]; dup {
			return fmt.Errorf("coordinator: step %q registered twice", s.Name)
		}
		r.steps[s.Name] = s
	}
	return nil
}

// Define adds a saga type. Every step must already be registered.
func (r *Registry) Define(d Definition) error {
	if d.Type == "" {
		return fmt.Errorf("coordinator: saga definition without a type")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("coordinator: saga %q has no steps", d.Type)
	}
	if _, dup := r.sagas[d.Type]; dup {
		return fmt.Errorf("coordinator: saga %q defined twice", d.Type)
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("coordinator: saga %q needs a positive timeout", d.Type)
	}
	if d.MaxRetries < 1 {
		d.MaxRetries = 1
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, name := range d.Steps {
		if _, ok := r.steps[name]; !ok {
			return fmt.Errorf("coordinator: saga %q uses unknown step %q", d.Type, name)
		}
		if seen[name] {
			return fmt.Errorf("coordinator: saga %q lists step %q twice", d.Type, name)
		}
		seen[name] = true
	}
	r.sagas[d.Type] = d
	return nil
}

func (r *Registry) Step(name string) (Step, bool) {
	s, ok := r.steps[name]
	return s, ok
}

func (r *Registry) Definition(sagaType string) (Definition, bool) {
	d, ok := r.sagas[sagaType]
	return d, ok
}
