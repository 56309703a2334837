package queue

import (
	"errors"
	"fmt"
)

// ErrDisabled is returned by operations that need a running queue.
var ErrDisabled = errors.New("queue disabled")

// PlannerError wraps a planner failure. It consumes a retry like any other
// execution failure.
type PlannerError struct {
	TaskID string
	Err    error
}

func (e *PlannerError) Error() string {
	return fmt.Sprintf("plan task %s: %v", e.TaskID, e.Err)
}

func (e *PlannerError) Unwrap() error { return e.Err }
