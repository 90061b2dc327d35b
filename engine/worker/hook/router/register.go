// Package hookrouter exposes the job callbacks over HTTP.
package hookrouter

import (
	"context"

	"github.com/compozy/taskengine/engine/storage"
	"github.com/compozy/taskengine/engine/task"
	"github.com/compozy/taskengine/engine/worker/credential"
	"github.com/gin-gonic/gin"
)

// Verifier checks job tokens.
type Verifier interface {
	Verify(token, expectedJobID string) (*credential.Claims, error)
}

// Hooks is the job callback service.
type Hooks interface {
	RequestPresignedStorageURLs(ctx context.Context, claims *credential.Claims, reqs []storage.Request) ([]storage.PresignedURL, error)
	StartJob(ctx context.Context, claims *credential.Claims) (*task.Task, error)
	CompleteJob(ctx context.Context, claims *credential.Claims, c task.Completion) (*task.Task, error)
}

// Register mounts the job callbacks under /jobs/:jobId. Every route requires
// a token bound to the path job id.
func Register(apiBase *gin.RouterGroup, verifier Verifier, hooks Hooks) {
	h := &handlers{hooks: hooks}
	jobs := apiBase.Group("/jobs/:jobId", RequireJobToken(verifier))
	{
		jobs.POST("/request-presigned-urls", h.requestPresignedURLs)
		jobs.POST("/start", h.start)
		jobs.POST("/complete", h.complete)
	}
}
