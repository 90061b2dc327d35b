// Package tkrouter exposes task creation and lookup to the rest of the
// platform.
package tkrouter

import (
	"context"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/dispatch"
	"github.com/compozy/taskengine/engine/infra/server/router"
	"github.com/compozy/taskengine/engine/task"
	"github.com/gin-gonic/gin"
)

// Dispatcher creates root tasks.
type Dispatcher interface {
	EmitEvent(ctx context.Context, ev dispatch.Event) ([]*task.Task, error)
	TriggerAppAction(ctx context.Context, req dispatch.ActionRequest) (*task.Task, error)
	TriggerUserAction(ctx context.Context, req dispatch.ActionRequest) (*task.Task, error)
}

// Tasks reads stored tasks.
type Tasks interface {
	Get(ctx context.Context, id core.ID) (*task.Task, error)
	List(ctx context.Context, filter *task.Filter) ([]*task.Task, error)
}

// Register mounts the platform task routes on apiBase. Event emission is
// deduplicated by idem when it is not nil.
func Register(apiBase *gin.RouterGroup, dispatcher Dispatcher, tasks Tasks, idem *router.APIIdempotency) {
	h := &handlers{dispatcher: dispatcher, tasks: tasks, idem: idem}
	apiBase.POST("/apps/:app/tasks", h.createAppTask)
	apiBase.POST("/users/:user/apps/:app/tasks", h.createUserTask)
	apiBase.POST("/events", h.emitEvent)
	tasksGroup := apiBase.Group("/tasks")
	{
		tasksGroup.GET("", h.listTasks)
		tasksGroup.GET("/:id", h.getTask)
	}
}
