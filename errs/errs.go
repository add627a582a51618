// Package errs defines the engine's domain error kinds.
//
// The dispatcher and its collaborators (signature resolver, template
// evaluator, registry) never return bare errors for faults that the spec
// calls out by name; they wrap them in one of the four kinds below so a
// caller can discriminate with errors.Is / errors.As the same way it would
// inspect a wrapped database error from db/repository/redis.go.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the domain error kinds from the error handling design.
type Kind string

const (
	// UnexpectedValueType means a value in a message did not match the
	// declared type descriptor for its argument.
	UnexpectedValueType Kind = "UnexpectedValueType"
	// UndefinedValue means a referenced value (e.g. a template identifier)
	// was not present where it was expected.
	UndefinedValue Kind = "UndefinedValue"
	// UndefinedContext means resolution failed to find a satisfied
	// signature, a registered action/queue, or a required host capability
	// (such as $datastore).
	UndefinedContext Kind = "UndefinedContext"
	// Generic wraps a non-domain cause (I/O, marshaling, a handler panic).
	Generic Kind = "Generic"
)

// Error is the engine's typed error. Cause is optional and only populated
// for Generic errors wrapping an external fault.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, errs.New(errs.UndefinedContext, "")) style
// checks: a target with an empty message and no cause matches on kind
// alone, any other target must also match the message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.Cause == nil {
		return e.Kind == t.Kind
	}
	return e.Kind == t.Kind && e.Message == t.Message
}

// New builds a domain error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap translates a non-domain fault into a Generic error, the rule every
// surface-level public operation must apply before returning a fault to its
// caller.
func Wrap(cause error, format string, args ...interface{}) *Error {
	if cause == nil {
		return nil
	}
	if de, ok := cause.(*Error); ok {
		return de
	}
	return &Error{Kind: Generic, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and ok=false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if !errors.As(err, &de) {
		return "", false
	}
	return de.Kind, true
}
