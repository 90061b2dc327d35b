package tkrouter

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/compozy/taskengine/engine/core"
	"github.com/compozy/taskengine/engine/dispatch"
	"github.com/compozy/taskengine/engine/infra/server/router"
	"github.com/compozy/taskengine/engine/task"
	"github.com/gin-gonic/gin"
)

const eventsNamespace = "events"

type handlers struct {
	dispatcher Dispatcher
	tasks      Tasks
	idem       *router.APIIdempotency
}

type eventResponse struct {
	Tasks []*task.Task `json:"tasks"`
}

type listResponse struct {
	Tasks []*task.Task `json:"tasks"`
	Limit int          `json:"limit"`
}

// createAppTask runs a declared task on behalf of the app.
//
//	@Summary	Create an app action task
//	@Tags		tasks
//	@Param		app	path	string	true	"App identifier"
//	@Success	201	{object}	router.Response{data=task.Task}
//	@Failure	400	{object}	router.ProblemDocument
//	@Failure	404	{object}	router.ProblemDocument
//	@Router		/apps/{app}/tasks [post]
func (h *handlers) createAppTask(c *gin.Context) {
	var req dispatch.ActionRequest
	if !router.BindJSON(c, &req) {
		return
	}
	req.AppIdentifier = c.Param("app")
	created, err := h.dispatcher.TriggerAppAction(c.Request.Context(), req)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondCreated(c, "task created", created)
}

// createUserTask runs a declared task on behalf of a user.
//
//	@Summary	Create a user action task
//	@Tags		tasks
//	@Param		user	path	string	true	"User ID"
//	@Param		app		path	string	true	"App identifier"
//	@Success	201		{object}	router.Response{data=task.Task}
//	@Failure	400		{object}	router.ProblemDocument
//	@Failure	404		{object}	router.ProblemDocument
//	@Router		/users/{user}/apps/{app}/tasks [post]
func (h *handlers) createUserTask(c *gin.Context) {
	var req dispatch.ActionRequest
	if !router.BindJSON(c, &req) {
		return
	}
	req.AppIdentifier = c.Param("app")
	req.UserID = c.Param("user")
	created, err := h.dispatcher.TriggerUserAction(c.Request.Context(), req)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondCreated(c, "task created", created)
}

// emitEvent creates the tasks subscribed to an event. A replayed request
// is rejected with 409.
//
//	@Summary	Emit an event
//	@Tags		events
//	@Param		Idempotency-Key	header	string	false	"Replay protection key"
//	@Success	202				{object}	router.Response{data=tkrouter.eventResponse}
//	@Failure	400				{object}	router.ProblemDocument
//	@Failure	409				{object}	router.ProblemDocument
//	@Router		/events [post]
func (h *handlers) emitEvent(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := c.GetRawData()
	if err != nil {
		router.RespondError(c, router.NewRequestError(http.StatusBadRequest, "failed to read request body", err))
		return
	}
	var ev dispatch.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		router.RespondError(c, router.NewRequestError(http.StatusBadRequest, "invalid request body", err))
		return
	}
	release, err := h.idem.CheckAndSet(ctx, c, eventsNamespace)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	created, err := h.dispatcher.EmitEvent(ctx, ev)
	if err != nil {
		release()
		router.RespondError(c, err)
		return
	}
	if created == nil {
		created = []*task.Task{}
	}
	router.RespondAccepted(c, "event dispatched", eventResponse{Tasks: created})
}

// getTask returns one task.
//
//	@Summary	Get a task
//	@Tags		tasks
//	@Param		id	path	string	true	"Task ID"
//	@Success	200	{object}	router.Response{data=task.Task}
//	@Failure	404	{object}	router.ProblemDocument
//	@Router		/tasks/{id} [get]
func (h *handlers) getTask(c *gin.Context) {
	id, err := core.ParseID(c.Param("id"))
	if err != nil {
		router.RespondError(c, router.NewRequestError(http.StatusBadRequest, "invalid task id", err))
		return
	}
	found, err := h.tasks.Get(c.Request.Context(), id)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "task retrieved", found)
}

// listTasks filters tasks by owner, identifier, handler and state.
//
//	@Summary	List tasks
//	@Tags		tasks
//	@Param		owner	query	string	false	"Owner identifier"
//	@Param		task	query	string	false	"Task identifier"
//	@Param		handler	query	string	false	"Handler identifier"
//	@Param		state	query	string	false	"pending, started or completed"
//	@Param		limit	query	int		false	"Page size"
//	@Success	200		{object}	router.Response{data=tkrouter.listResponse}
//	@Failure	400		{object}	router.ProblemDocument
//	@Router		/tasks [get]
func (h *handlers) listTasks(c *gin.Context) {
	filter, err := filterFromQuery(c)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	found, err := h.tasks.List(c.Request.Context(), filter)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	if found == nil {
		found = []*task.Task{}
	}
	router.RespondOK(c, "tasks retrieved", listResponse{Tasks: found, Limit: filter.Limit})
}

func filterFromQuery(c *gin.Context) (*task.Filter, error) {
	f := &task.Filter{
		Limit: router.LimitOrDefault(c.Query("limit"), router.DefaultPageSize, router.MaxPageSize),
	}
	if v := strings.TrimSpace(c.Query("owner")); v != "" {
		f.OwnerIdentifier = &v
	}
	if v := strings.TrimSpace(c.Query("task")); v != "" {
		f.TaskIdentifier = &v
	}
	if v := strings.TrimSpace(c.Query("handler")); v != "" {
		f.HandlerIdentifier = &v
	}
	if v := strings.TrimSpace(c.Query("state")); v != "" {
		state := task.State(v)
		if !state.Valid() {
			return nil, router.NewRequestError(http.StatusBadRequest, "invalid state "+v, nil)
		}
		f.State = &state
	}
	return f, nil
}
