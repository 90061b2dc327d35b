// Package worker connects container-handled tasks to the jobs that run them.
// A task whose handler is "docker:<profile>:<jobClass>" is paired with a
// platform-owned driving task; the driving task carries the job and its
// completion also completes the inner task.
package worker

import (
	"errors"
	"fmt"

	"github.com/compozy/taskengine/engine/app"
	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/storage"
	"github.com/compozy/taskengine/engine/task"
	"github.com/go-viper/mapstructure/v2"
)

const (
	DrivingTaskIdentifier = "run_docker_job"
	DrivingHandler        = app.CoreOwner + ":" + DrivingTaskIdentifier
)

var ErrNotDrivingTask = errors.New("task is not a container driving task")

// DrivingData is the data of a driving task.
type DrivingData struct {
	InnerTaskID         core.ID              `json:"innerTaskId"                   validate:"required"`
	AppIdentifier       string               `json:"appIdentifier"                 validate:"required"`
	Profile             string               `json:"profile"                       validate:"required"`
	JobClass            string               `json:"jobClass"                      validate:"required"`
	StorageAccessPolicy storage.AccessPolicy `json:"storageAccessPolicy,omitempty"`
}

// StartContext is recorded on the driving task when its job is launched.
type StartContext struct {
	JobID  string `json:"jobId"`
	HostID string `json:"hostId"`
}

func IsDrivingTask(t *task.Task) bool {
	return t != nil && t.OwnerIdentifier == app.CoreOwner && t.TaskIdentifier == DrivingTaskIdentifier
}

// ParseDrivingData reads the driving data of t. Stored data may be the
// struct itself or its decoded JSON form.
func ParseDrivingData(t *task.Task) (*DrivingData, error) {
	if !IsDrivingTask(t) {
		return nil, ErrNotDrivingTask
	}
	switch v := t.Data.(type) {
	case DrivingData:
		return &v, nil
	case *DrivingData:
		if v == nil {
			break
		}
		out := *v
		return &out, nil
	}
	var out DrivingData
	if err := decode(t.Data, &out); err != nil {
		return nil, fmt.Errorf("decoding driving data of task %s: %w", t.ID, err)
	}
	if out.InnerTaskID.IsZero() {
		return nil, fmt.Errorf("driving task %s has no inner task", t.ID)
	}
	return &out, nil
}

// LaunchedJob returns the start context recorded on a started driving task.
func LaunchedJob(t *task.Task) (*StartContext, bool) {
	for _, entry := range t.SystemLog {
		if entry.Payload.LogType != task.LogStarted {
			continue
		}
		switch v := entry.Payload.Data.(type) {
		case StartContext:
			return &v, true
		case *StartContext:
			return v, v != nil
		}
		var out StartContext
		if err := decode(entry.Payload.Data, &out); err != nil || out.JobID == "" {
			return nil, false
		}
		return &out, true
	}
	return nil, false
}

func decode(input, result any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           result,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(input)
}
