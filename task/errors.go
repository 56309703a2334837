package task

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid transition")
)

// ValidationError reports bad input to a store mutator. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports an unknown task id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// InvalidTransitionError reports a compare-and-set that lost, or a move the
// state machine forbids. Callers re-read the task instead of retrying.
type InvalidTransitionError struct {
	ID      string
	Current Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot transition %s -> %s", e.ID, e.Current, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
