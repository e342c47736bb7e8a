// Package engine defines the scripting engine a session evaluates commands
// with, plus a JavaScript implementation backed by goja.
package engine

import (
	"fmt"
	"io"
)

// Host is what a session exposes to the engine it owns.
type Host struct {
	// Output receives everything the script prints.
	Output io.Writer
	// History returns the session's command history, oldest first.
	History func() []string
	// Exit asks the session to close once the current command finishes.
	Exit func()
}

// Engine evaluates command text. Implementations need not be safe for
// concurrent use except for Interrupt, which may be called from any goroutine.
type Engine interface {
	// Execute evaluates src and returns the textual form of its result.
	// Script failures are reported as *EvalError.
	Execute(src string) (string, error)

	// Interrupt aborts the evaluation in progress, if any.
	Interrupt(reason string)

	Close() error
}

// Factory creates one engine per session.
type Factory interface {
	New(host Host) (Engine, error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func(host Host) (Engine, error)

// New implements Factory.
func (f FactoryFunc) New(host Host) (Engine, error) {
	return f(host)
}

// EvalError is a script that failed to compile or threw at runtime. It is
// data for the operator, not a fault in the session machinery.
type EvalError struct {
	Message string
	Cause   error
}

func (e *EvalError) Error() string {
	return e.Message
}

func (e *EvalError) Unwrap() error {
	return e.Cause
}

// NewEvalError wraps a failure reported by an engine.
func NewEvalError(cause error) *EvalError {
	return &EvalError{Message: fmt.Sprint(cause), Cause: cause}
}
