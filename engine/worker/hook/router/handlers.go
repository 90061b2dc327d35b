package hookrouter

import (
	"github.com/compozy/taskengine/engine/infra/server/router"
	"github.com/compozy/taskengine/engine/storage"
	"github.com/compozy/taskengine/engine/task"
	"github.com/gin-gonic/gin"
)

type handlers struct {
	hooks Hooks
}

type presignRequest struct {
	Requests []storage.Request `json:"requests" binding:"required,min=1,dive"`
}

type presignResponse struct {
	URLs []storage.PresignedURL `json:"urls"`
}

// requestPresignedURLs signs storage URLs inside the job policy.
//
//	@Summary	Request presigned storage URLs
//	@Tags		jobs
//	@Param		jobId	path	string	true	"Job ID"
//	@Success	200		{object}	router.Response{data=hookrouter.presignResponse}
//	@Failure	401		{object}	router.ProblemDocument
//	@Failure	403		{object}	router.ProblemDocument
//	@Router		/jobs/{jobId}/request-presigned-urls [post]
func (h *handlers) requestPresignedURLs(c *gin.Context) {
	claims, err := ClaimsFrom(c)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	var body presignRequest
	if !router.BindJSON(c, &body) {
		return
	}
	urls, err := h.hooks.RequestPresignedStorageURLs(c.Request.Context(), claims, body.Requests)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "presigned urls issued", presignResponse{URLs: urls})
}

// start records that the job began its task.
//
//	@Summary	Signal job start
//	@Tags		jobs
//	@Param		jobId	path	string	true	"Job ID"
//	@Success	200		{object}	router.Response{data=task.Task}
//	@Failure	403		{object}	router.ProblemDocument
//	@Failure	409		{object}	router.ProblemDocument
//	@Router		/jobs/{jobId}/start [post]
func (h *handlers) start(c *gin.Context) {
	claims, err := ClaimsFrom(c)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	started, err := h.hooks.StartJob(c.Request.Context(), claims)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "job started", started)
}

// completeRequest requires an explicit success flag so an empty body is not
// read as a failure.
type completeRequest struct {
	Success *bool       `json:"success" binding:"required"`
	Result  any         `json:"result,omitempty"`
	Error   *task.Error `json:"error,omitempty"`
}

// complete records the job outcome on both tasks.
//
//	@Summary	Signal job completion
//	@Tags		jobs
//	@Param		jobId	path	string	true	"Job ID"
//	@Success	200		{object}	router.Response{data=task.Task}
//	@Failure	403		{object}	router.ProblemDocument
//	@Failure	409		{object}	router.ProblemDocument
//	@Router		/jobs/{jobId}/complete [post]
func (h *handlers) complete(c *gin.Context) {
	claims, err := ClaimsFrom(c)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	var req completeRequest
	if !router.BindJSON(c, &req) {
		return
	}
	completion := task.Completion{Success: *req.Success, Result: req.Result, Error: req.Error}
	completed, err := h.hooks.CompleteJob(c.Request.Context(), claims, completion)
	if err != nil {
		router.RespondError(c, err)
		return
	}
	router.RespondOK(c, "job completed", completed)
}
