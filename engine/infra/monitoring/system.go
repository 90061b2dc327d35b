package monitoring

import (
	"runtime"
	"time"

	"github.com/compozy/taskengine/engine/infra/monitoring/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Set via -ldflags "-X github.com/compozy/taskengine/engine/infra/monitoring.Version=...".
var (
	Version    = "unknown"
	CommitHash = "unknown"
)

func systemCollectors(started time.Time) []prometheus.Collector {
	buildInfo := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Name:      "build_info",
		Help:      "Build information (value=1)",
	}, []string{"version", "commit_hash", "go_version"})
	buildInfo.WithLabelValues(Version, CommitHash, runtime.Version()).Set(1)
	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Name:      "uptime_seconds",
		Help:      "Service uptime in seconds",
	}, func() float64 { return time.Since(started).Seconds() })
	return []prometheus.Collector{buildInfo, uptime}
}
