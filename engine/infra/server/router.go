package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/compozy/taskengine/engine/infra/monitoring"
	"github.com/compozy/taskengine/engine/infra/server/routes"
	tkrouter "github.com/compozy/taskengine/engine/task/router"
	hookrouter "github.com/compozy/taskengine/engine/worker/hook/router"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/gin-gonic/gin"
)

func (s *Server) buildRouter(state *State) {
	r := gin.New()
	r.Use(gin.Recovery())
	if state.Monitoring != nil && state.Monitoring.IsInitialized() {
		r.Use(state.Monitoring.GinMiddleware(s.ctx))
		r.GET(state.Monitoring.Path(), gin.WrapH(state.Monitoring.ExporterHandler()))
	}
	r.Use(LoggerMiddleware(logger.FromContext(s.ctx)))
	r.Use(BodyLimitMiddleware(maxRequestBodyBytes))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	apiBase := r.Group(routes.Base())
	apiBase.GET("/health", CreateHealthHandler(state.Checks, monitoring.Version))
	hookrouter.Register(apiBase, state.Verifier, state.Hooks)
	public := apiBase.Group("")
	if state.RateLimit != nil {
		public.Use(state.RateLimit)
	}
	tkrouter.Register(public, state.Dispatcher, state.Tasks, state.Idempotency)
	s.router = r
}

func (s *Server) logStartupBanner() {
	log := logger.FromContext(s.ctx)
	httpURL := fmt.Sprintf("http://%s:%d", friendlyHost(s.cfg.Server.Host), s.cfg.Server.Port)
	lines := []string{
		fmt.Sprintf("Task engine %s", monitoring.Version),
		fmt.Sprintf("  API           > %s%s", httpURL, routes.Base()),
		fmt.Sprintf("  Health        > %s%s", httpURL, routes.HealthVersioned()),
		fmt.Sprintf("  Job callbacks > %s", s.hookURL()),
	}
	if s.state != nil && s.state.Monitoring.IsInitialized() {
		lines = append(lines, fmt.Sprintf("  Metrics       > %s%s", httpURL, s.state.Monitoring.Path()))
	}
	log.Info("\n" + strings.Join(lines, "\n"))
}

func friendlyHost(h string) string {
	if h == hostAny || h == "::" || h == "" {
		return hostLoopback
	}
	return h
}
