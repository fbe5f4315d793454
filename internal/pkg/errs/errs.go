// Package errs carries the error taxonomy shared by the saga core.
//
// Callers branch on the Kind of an error instead of its concrete type:
//
//	if errs.KindOf(err) == errs.Transient { ... retry ... }
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for routing purposes.
type Kind uint8

const (
	// Unknown is the zero value; KindOf returns it for errors that were never classified.
	Unknown Kind = iota
	Transient
	StepFailed
	CompensationFailed
	Timeout
	Duplicate
	Serialization
	Decryption
	InvalidState
	NotFound
	Conflict
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "TRANSIENT"
	case StepFailed:
		return "STEP_FAILED"
	case CompensationFailed:
		return "COMPENSATION_FAILED"
	case Timeout:
		return "TIMEOUT"
	case Duplicate:
		return "DUPLICATE"
	case Serialization:
		return "SERIALIZATION"
	case Decryption:
		return "DECRYPTION"
	case InvalidState:
		return "INVALID_STATE"
	case NotFound:
		return "NOT_FOUND"
	case Conflict:
		return "CONFLICT"
	case Unavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Error is a classified error. Op names the operation that failed, e.g. "sqlite.Update".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// E builds a classified error. err may be nil, in which case the kind alone is reported.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is E with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Permanent reports whether no amount of redelivery can fix err.
func Permanent(err error) bool {
	switch KindOf(err) {
	case Serialization, Decryption:
		return true
	}
	return false
}
