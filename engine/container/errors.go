package container

import (
	"errors"
	"fmt"

	"github.com/compozy/taskengine/engine/task"
)

type ErrorCode string

const (
	CodeDockerNotConfigured   ErrorCode = "DOCKER_NOT_CONFIGURED"
	CodeContainerCreateFailed ErrorCode = "CONTAINER_CREATE_FAILED"
	CodeContainerNotRunning   ErrorCode = "CONTAINER_NOT_RUNNING"
	CodeExecFailed            ErrorCode = "EXEC_FAILED"
)

// JobError is the typed failure of a container operation.
type JobError struct {
	Code      ErrorCode
	HostID    string
	Operation string
	Err       error
}

func (e *JobError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s on host %q", e.Code, e.Operation, e.HostID)
	}
	return fmt.Sprintf("%s: %s on host %q: %v", e.Code, e.Operation, e.HostID, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// TaskError converts the failure into the error recorded on a task.
func (e *JobError) TaskError() *task.Error {
	msg := string(e.Code)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return &task.Error{
		Name:    "ContainerJobError",
		Code:    string(e.Code),
		Message: msg,
		Details: map[string]any{"hostId": e.HostID, "operation": e.Operation},
	}
}

// CodeOf returns the JobError code carried by err, if any.
func CodeOf(err error) (ErrorCode, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je.Code, true
	}
	return "", false
}

func jobError(code ErrorCode, hostID, op string, err error) *JobError {
	return &JobError{Code: code, HostID: hostID, Operation: op, Err: err}
}
