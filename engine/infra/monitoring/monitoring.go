// Package monitoring exposes engine metrics in the Prometheus format.
package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/compozy/taskengine/engine/infra/monitoring/metrics"
	"github.com/compozy/taskengine/engine/infra/monitoring/middleware"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service owns the metrics registry. A disabled service accepts every
// record call and drops it.
type Service struct {
	config      *Config
	registry    *prometheus.Registry
	initialized bool

	transitions      *prometheus.CounterVec
	containerActions *prometheus.CounterVec
	execs            *prometheus.CounterVec
	execDuration     *prometheus.HistogramVec
	rateLimited      *prometheus.CounterVec
}

// NewService builds the registry with the engine instruments and any extra
// collectors, such as the Postgres pool statistics.
func NewService(ctx context.Context, cfg *Config, extra ...prometheus.Collector) (*Service, error) {
	log := logger.FromContext(ctx)
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		log.Debug("Monitoring disabled")
		return &Service{config: cfg}, nil
	}
	s := &Service{
		config:   cfg,
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "task",
			Name:      "transitions_total",
			Help:      "Task state machine operations by outcome",
		}, []string{"op", "outcome"}),
		containerActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "container",
			Name:      "actions_total",
			Help:      "Container discovery actions per host",
		}, []string{"host", "action"}),
		execs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "container",
			Name:      "execs_total",
			Help:      "Job execs per host by outcome",
		}, []string{"host", "outcome"}),
		execDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "container",
			Name:      "exec_duration_seconds",
			Help:      "Job exec latency per host",
			Buckets:   metrics.JobDurationBuckets,
		}, []string{"host"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "http",
			Name:      "rate_limit_blocks_total",
			Help:      "Requests rejected by the rate limiter",
		}, []string{"route"}),
	}
	all := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.transitions, s.containerActions, s.execs, s.execDuration, s.rateLimited,
	}
	all = append(all, systemCollectors(time.Now())...)
	all = append(all, extra...)
	for _, c := range all {
		if err := s.registry.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}
	s.initialized = true
	log.Info("Monitoring service initialized", "path", cfg.Path)
	return s, nil
}

func (s *Service) IsInitialized() bool { return s.initialized }

func (s *Service) Path() string { return s.config.Path }

func (s *Service) RecordTransition(op, outcome string) {
	if !s.initialized {
		return
	}
	s.transitions.WithLabelValues(op, outcome).Inc()
}

func (s *Service) RecordContainerAction(hostID, action string) {
	if !s.initialized {
		return
	}
	s.containerActions.WithLabelValues(hostID, action).Inc()
}

func (s *Service) RecordExec(hostID, outcome string, d time.Duration) {
	if !s.initialized {
		return
	}
	s.execs.WithLabelValues(hostID, outcome).Inc()
	s.execDuration.WithLabelValues(hostID).Observe(d.Seconds())
}

func (s *Service) RecordRateLimited(route string) {
	if !s.initialized {
		return
	}
	s.rateLimited.WithLabelValues(route).Inc()
}

// GinMiddleware records HTTP metrics. It is a pass-through when disabled.
func (s *Service) GinMiddleware(ctx context.Context) gin.HandlerFunc {
	passThrough := func(c *gin.Context) { c.Next() }
	if !s.initialized {
		return passThrough
	}
	mw, err := middleware.HTTPMetrics(s.registry)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to register HTTP metrics", "error", err)
		return passThrough
	}
	return mw
}

// ExporterHandler serves the registry, or 503 when monitoring is disabled.
func (s *Service) ExporterHandler() http.Handler {
	if !s.initialized {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte("monitoring disabled")); err != nil {
				logger.FromContext(r.Context()).Error("Failed to write response", "error", err)
			}
		})
	}
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
