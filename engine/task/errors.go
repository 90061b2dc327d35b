package task

import (
	"errors"
	"fmt"

	"github.com/compozy/taskengine/engine/core"
)

var (
	ErrNotFound      = errors.New("task not found")
	ErrConflict      = errors.New("task transition conflict")
	ErrForbidden     = errors.New("task transition forbidden")
	ErrUnknownTask   = errors.New("unknown task identifier")
	ErrInvalidParams = errors.New("invalid task parameters")
)

// TransitionError explains why a start or complete was rejected. It
// unwraps to ErrConflict, ErrForbidden or ErrNotFound.
type TransitionError struct {
	TaskID core.ID
	Op     string
	Reason string
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s task %s: %s", e.Op, e.TaskID, e.Reason)
}

func (e *TransitionError) Unwrap() error { return e.Err }

func conflict(id core.ID, op, reason string) error {
	return &TransitionError{TaskID: id, Op: op, Reason: reason, Err: ErrConflict}
}

func forbidden(id core.ID, op, reason string) error {
	return &TransitionError{TaskID: id, Op: op, Reason: reason, Err: ErrForbidden}
}
