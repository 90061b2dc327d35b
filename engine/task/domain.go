package task

import (
	"fmt"
	"time"

	"github.com/compozy/taskengine/engine/core"
)

// State is derived from the lifecycle timestamps; it is never stored.
type State string

const (
	StatePending   State = "pending"
	StateStarted   State = "started"
	StateCompleted State = "completed"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateStarted, StateCompleted:
		return true
	}
	return false
}

type LogType string

const (
	LogStarted LogType = "started"
	LogSuccess LogType = "success"
	LogFailure LogType = "failure"
)

type LogPayload struct {
	LogType LogType `json:"logType"`
	Data    any     `json:"data,omitempty"`
}

// LogEntry is one element of the append-only system log.
type LogEntry struct {
	Payload LogPayload `json:"payload"`
	At      time.Time  `json:"at"`
}

// Error is the structured failure recorded on a completed task.
type Error struct {
	Name    string         `json:"name"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Name, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// AsMap renders the error the way templates see it.
func (e *Error) AsMap() map[string]any {
	if e == nil {
		return nil
	}
	out := map[string]any{"name": e.Name, "message": e.Message}
	if e.Code != "" {
		out["code"] = e.Code
	}
	if e.Details != nil {
		out["details"] = e.Details
	}
	return out
}

type Task struct {
	ID                core.ID    `json:"id"`
	TaskIdentifier    string     `json:"taskIdentifier"`
	OwnerIdentifier   string     `json:"ownerIdentifier"`
	HandlerIdentifier string     `json:"handlerIdentifier"`
	Trigger           Trigger    `json:"trigger"`
	Data              any        `json:"data"`
	StartedAt         *time.Time `json:"startedAt"`
	CompletedAt       *time.Time `json:"completedAt"`
	Success           *bool      `json:"success"`
	Error             *Error     `json:"error"`
	SystemLog         []LogEntry `json:"systemLog"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

func (t *Task) State() State {
	switch {
	case t.CompletedAt != nil:
		return StateCompleted
	case t.StartedAt != nil:
		return StateStarted
	default:
		return StatePending
	}
}

// Result returns the data of the success log entry, if any.
func (t *Task) Result() any {
	for i := len(t.SystemLog) - 1; i >= 0; i-- {
		if t.SystemLog[i].Payload.LogType == LogSuccess {
			return t.SystemLog[i].Payload.Data
		}
	}
	return nil
}

// CheckInvariants verifies the lifecycle field relationships.
func (t *Task) CheckInvariants() error {
	if t.StartedAt == nil && t.CompletedAt != nil {
		return fmt.Errorf("task %s: completed without being started", t.ID)
	}
	if (t.Success != nil) != (t.CompletedAt != nil) {
		return fmt.Errorf("task %s: success must be set exactly when completed", t.ID)
	}
	return nil
}

func (t *Task) Clone() (*Task, error) {
	if t == nil {
		return nil, nil
	}
	return core.DeepCopy(t)
}

// Completion is the outcome reported when a task finishes.
type Completion struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
}

func Succeeded(result any) Completion {
	return Completion{Success: true, Result: result}
}

func Failed(err *Error) Completion {
	return Completion{Success: false, Error: err}
}

func (c Completion) normalize() Completion {
	if c.Success {
		c.Error = nil
		return c
	}
	c.Result = nil
	if c.Error == nil {
		c.Error = &Error{Name: "Error", Message: "task failed"}
	}
	return c
}

// CreateParams describes a task to insert in the pending state.
type CreateParams struct {
	TaskIdentifier    string  `validate:"required"`
	OwnerIdentifier   string  `validate:"required"`
	HandlerIdentifier string  `validate:"required"`
	Trigger           Trigger `validate:"required"`
	Data              any
	// ID is assigned by the service when empty.
	ID core.ID
}
