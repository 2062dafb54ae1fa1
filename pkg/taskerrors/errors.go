// Package taskerrors defines the sentinel causes and invariant-violation
// helpers used across the scheduler. Internal invariant violations are
// programmer errors (spec.md §7): they are wrapped with a stack trace via
// github.com/pkg/errors and routed to the task state machine as a FAILED
// cause, never retried.
package taskerrors

import "github.com/pkg/errors"

// Sentinel causes for failure paths that are internal to the core rather
// than reported by a driver or the output buffer.
var (
	// ErrBufferFailureCauseMissing is used when the OutputBuffer reports
	// FAILED without a recorded cause.
	ErrBufferFailureCauseMissing = errors.New("output buffer failed with no recorded cause")

	// ErrUnexpectedBufferAbort is used when the OutputBuffer reaches ABORTED
	// without the task itself having been aborted. The spec treats this as
	// an internal error rather than a normal terminal transition.
	ErrUnexpectedBufferAbort = errors.New("output buffer aborted without a corresponding task abort")

	// ErrTaskTerminal is returned by operations attempted after the task
	// state machine has already reached a terminal state.
	ErrTaskTerminal = errors.New("task is already terminal")

	// ErrDuplicateTaskID is returned by create_task for an id already in use.
	ErrDuplicateTaskID = errors.New("duplicate task id")
)

// Invariant wraps a violated-invariant message with a stack trace. Callers
// that hit an Invariant error must fail the task; they must never attempt to
// continue past it.
func Invariant(format string, args ...interface{}) error {
	return errors.Errorf("invariant violation: "+format, args...)
}
