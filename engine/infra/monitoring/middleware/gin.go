package middleware

import (
	"strconv"
	"time"

	"github.com/compozy/taskengine/engine/infra/monitoring/metrics"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type httpInstruments struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

func newHTTPInstruments(reg prometheus.Registerer) (*httpInstruments, error) {
	in := &httpInstruments{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status_code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   metrics.HTTPDurationBuckets,
		}, []string{"method", "path", "status_code"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metrics.Namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Currently active HTTP requests",
		}),
	}
	for _, c := range []prometheus.Collector{in.requests, in.duration, in.inFlight} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// HTTPMetrics returns a Gin middleware recording request counts and
// latencies on reg.
func HTTPMetrics(reg prometheus.Registerer) (gin.HandlerFunc, error) {
	in, err := newHTTPInstruments(reg)
	if err != nil {
		return nil, err
	}
	return func(c *gin.Context) {
		start := time.Now()
		in.inFlight.Inc()
		defer in.inFlight.Dec()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{
			"method":      c.Request.Method,
			"path":        path,
			"status_code": strconv.Itoa(c.Writer.Status()),
		}
		in.requests.With(labels).Inc()
		in.duration.With(labels).Observe(time.Since(start).Seconds())
	}, nil
}
