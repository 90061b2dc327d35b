package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/compozy/taskengine/pkg/logger"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

const healthCheckTimeout = 2 * time.Second

// Health endpoint
//
//	@Summary      Get server health
//	@Description  Pings every backing service and reports their status
//	@Tags         health
//	@Produce      json
//	@Success      200 {object} map[string]interface{} "Service is healthy"
//	@Failure      503 {object} map[string]interface{} "A backing service is unreachable"
//	@Router       /api/v0/health [get]
func CreateHealthHandler(checks map[string]func(context.Context) error, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
		defer cancel()
		components, ready := runChecks(ctx, checks)
		status := "healthy"
		if !ready {
			status = "degraded"
		}
		c.JSON(determineHealthStatusCode(ready), gin.H{
			"data": gin.H{
				"status":     status,
				"version":    version,
				"ready":      ready,
				"components": components,
			},
			"message": "Success",
		})
	}
}

func runChecks(ctx context.Context, checks map[string]func(context.Context) error) (gin.H, bool) {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)
	results := make([]error, len(names))
	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			results[i] = checks[name](ctx)
			return nil
		})
	}
	_ = g.Wait()
	components := gin.H{}
	ready := true
	for i, name := range names {
		if err := results[i]; err != nil {
			logger.FromContext(ctx).Warn("Health check failed", "component", name, "error", err)
			components[name] = gin.H{"healthy": false, "error": err.Error()}
			ready = false
			continue
		}
		components[name] = gin.H{"healthy": true}
	}
	return components, ready
}

func determineHealthStatusCode(ready bool) int {
	if !ready {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
