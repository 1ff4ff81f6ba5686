package api

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed definitions and unmet data
	// dependencies.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks unknown flow ids and unregistered flow types.
	ErrNotFound = errors.New("not found")
	// ErrExecution wraps step body failures.
	ErrExecution = errors.New("execution failed")
	// ErrJumpLimitExceeded is returned when a step would jump more than
	// MaxJumps times.
	ErrJumpLimitExceeded = errors.New("jump limit exceeded")
	// ErrConcurrencyConflict is returned when concurrent sub-steps write
	// the same data key.
	ErrConcurrencyConflict = errors.New("concurrent data write conflict")
	// ErrRestoration marks stored documents that cannot be matched to the
	// current definition.
	ErrRestoration = errors.New("restoration failed")
	// ErrInvalidTransition is returned when a command does not apply to
	// the flow's current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict is returned when a caller-chosen flow id already names
	// a flow.
	ErrConflict = errors.New("conflict")
)

// StepError ties a failure to a flow and step. It unwraps to both Kind and
// Err, so errors.Is matches either the sentinel or the underlying cause.
type StepError struct {
	Kind   error
	FlowID string
	Step   string
	Err    error
}

func (e *StepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("flow %s step %q: %v", e.FlowID, e.Step, e.Kind)
	}
	return fmt.Sprintf("flow %s step %q: %v: %v", e.FlowID, e.Step, e.Kind, e.Err)
}

func (e *StepError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewStepError builds a StepError.
func NewStepError(kind error, flowID, step string, err error) *StepError {
	return &StepError{Kind: kind, FlowID: flowID, Step: step, Err: err}
}
