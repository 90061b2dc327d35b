package worker

import (
	"context"

	"github.com/compozy/taskengine/engine/app"
	"github.com/compozy/taskengine/engine/task"
)

// Manifests looks up installed app manifests.
type Manifests interface {
	Get(identifier string) (*app.Manifest, error)
}

// HandlerRouter pairs every container-handled task with a driving task.
type HandlerRouter struct {
	manifests Manifests
}

var _ task.HandlerRouter = (*HandlerRouter)(nil)

func NewHandlerRouter(manifests Manifests) *HandlerRouter {
	return &HandlerRouter{manifests: manifests}
}

func (r *HandlerRouter) Route(_ context.Context, t *task.Task) ([]task.CreateParams, error) {
	if _, ok := app.ParseContainerHandler(t.HandlerIdentifier); !ok {
		return nil, nil
	}
	m, err := r.manifests.Get(t.OwnerIdentifier)
	if err != nil {
		return nil, err
	}
	job, err := m.ContainerJob(t.HandlerIdentifier)
	if err != nil {
		return nil, err
	}
	data := DrivingData{
		InnerTaskID:         t.ID,
		AppIdentifier:       t.OwnerIdentifier,
		Profile:             job.ProfileName,
		JobClass:            job.JobClass,
		StorageAccessPolicy: job.Class.StorageAccessPolicy,
	}
	return []task.CreateParams{{
		TaskIdentifier:    DrivingTaskIdentifier,
		OwnerIdentifier:   app.CoreOwner,
		HandlerIdentifier: DrivingHandler,
		Trigger: &task.AppActionTrigger{
			InvokeContext: task.AppInvokeContext{AppIdentifier: app.CoreOwner, Payload: map[string]any{"innerTaskId": t.ID}},
		},
		Data: data,
	}}, nil
}

// ResolveJob returns the container job a driving task runs.
func ResolveJob(manifests Manifests, data *DrivingData) (*app.ContainerJob, error) {
	m, err := manifests.Get(data.AppIdentifier)
	if err != nil {
		return nil, err
	}
	return m.ContainerJob(app.ContainerHandler{Profile: data.Profile, JobClass: data.JobClass}.String())
}
