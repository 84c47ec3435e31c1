// Package rterror defines the error kinds the runtime raises.
// CompilerError and TypeInferenceFailure are bugs: they are meant to
// propagate uncaught. RuntimeError and InvocationException are the
// user-visible kinds any caller may recover from. SquarePegException is
// deliberately not here: it is an internal control-flow signal local to
// codegen/nexus and must never escape a function activation.
package rterror

import (
	"fmt"

	"github.com/pkg/errors"
)

// CompilerError signals codegen saw an impossible category combination.
// It is a bug in the specialization planner or a primitive's Generate,
// never a condition a well-behaved program can trigger.
type CompilerError struct {
	cause error
}

func NewCompilerError(format string, args ...any) *CompilerError {
	return &CompilerError{cause: errors.Errorf(format, args...)}
}

func WrapCompilerError(cause error, context string) *CompilerError {
	return &CompilerError{cause: errors.Wrap(cause, context)}
}

func (e *CompilerError) Error() string { return "compiler error: " + e.cause.Error() }
func (e *CompilerError) Unwrap() error { return e.cause }

// RuntimeError is a primitive receiving an unsupported operand type, or
// any other user-visible failure raised while evaluating a well-formed
// program.
type RuntimeError struct {
	cause error
}

func NewRuntimeError(format string, args ...any) *RuntimeError {
	return &RuntimeError{cause: errors.Errorf(format, args...)}
}

func WrapRuntimeError(cause error) *RuntimeError {
	return &RuntimeError{cause: errors.Wrap(cause, "runtime error")}
}

func (e *RuntimeError) Error() string { return e.cause.Error() }
func (e *RuntimeError) Unwrap() error { return e.cause }

// InvocationException wraps any throwable raised by emitted code when it
// crosses a Closure.Invoke boundary, and is surfaced to
// the caller unchanged (callers typically unwrap back to the RuntimeError
// that caused it).
type InvocationException struct {
	cause error
}

func WrapInvocation(cause error) *InvocationException {
	return &InvocationException{cause: errors.Wrap(cause, "invocation failed")}
}

func (e *InvocationException) Error() string { return e.cause.Error() }
func (e *InvocationException) Unwrap() error { return e.cause }

// TypeInferenceFailure signals the inferencer's lattice walk failed to
// reach a fixed point, which monotonicity makes impossible; treated as
// fatal, never caught.
type TypeInferenceFailure struct {
	Function string
	Rounds   int
}

func (e *TypeInferenceFailure) Error() string {
	return fmt.Sprintf("type inference did not converge for %q after %d rounds", e.Function, e.Rounds)
}

// Recover turns a recovered panic value into the matching rterror kind
// when possible, for call boundaries that need to re-panic with the
// caller-visible InvocationException shape.
func Recover(r any) error {
	switch v := r.(type) {
	case *CompilerError, *RuntimeError, *InvocationException, *TypeInferenceFailure:
		return v.(error)
	case error:
		return WrapRuntimeError(v)
	default:
		return NewRuntimeError("panic: %v", r)
	}
}
