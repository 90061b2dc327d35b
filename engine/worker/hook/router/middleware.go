package hookrouter

import (
	"errors"
	"net/http"
	"strings"

	"github.com/compozy/taskengine/engine/infra/server/router"
	"github.com/compozy/taskengine/engine/worker/credential"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/gin-gonic/gin"
)

const claimsKey = "job_claims"

// RequireJobToken rejects requests whose bearer token is not bound to the
// :jobId path parameter before any handler runs.
func RequireJobToken(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.FromContext(c.Request.Context())
		token, err := extractBearerToken(c)
		if err != nil {
			router.RespondError(c, err)
			return
		}
		jobID := c.Param("jobId")
		claims, err := verifier.Verify(token, jobID)
		if err != nil {
			log.Debug("Job token rejected", "job_id", jobID, "reason", err.Error())
			router.RespondProblemWithCode(c, http.StatusUnauthorized, router.ErrUnauthorizedCode, "invalid or expired job token")
			return
		}
		c.Set(claimsKey, claims)
		ctx := logger.ContextWithLogger(c.Request.Context(), log.With("job_id", jobID, "task_id", claims.TaskID))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func extractBearerToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", unauthorized("missing authorization header")
	}
	parts := strings.Fields(authHeader)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", unauthorized("invalid authorization header format")
	}
	return parts[1], nil
}

func unauthorized(reason string) error {
	return router.NewRequestError(http.StatusUnauthorized, reason, credential.ErrUnauthorized)
}

// ClaimsFrom returns the verified claims of the request.
func ClaimsFrom(c *gin.Context) (*credential.Claims, error) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, errors.New("job claims missing from request")
	}
	claims, ok := v.(*credential.Claims)
	if !ok {
		return nil, errors.New("job claims have an unexpected type")
	}
	return claims, nil
}
