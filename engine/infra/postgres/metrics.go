package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// poolCollector exports pgxpool statistics on every scrape.
type poolCollector struct {
	pool        *pgxpool.Pool
	open        *prometheus.Desc
	inUse       *prometheus.Desc
	idle        *prometheus.Desc
	maxConns    *prometheus.Desc
	waitSeconds *prometheus.Desc
}

func newPoolCollector(pool *pgxpool.Pool) *poolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("taskengine", "postgres", name), help, nil, nil)
	}
	return &poolCollector{
		pool:        pool,
		open:        desc("connections_open", "Number of open Postgres connections"),
		inUse:       desc("connections_in_use", "Number of Postgres connections currently in use"),
		idle:        desc("connections_idle", "Number of idle Postgres connections"),
		maxConns:    desc("max_open_connections", "Configured Postgres connection pool size"),
		waitSeconds: desc("connection_wait_seconds_total", "Cumulative time spent waiting for a connection"),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.open
	ch <- c.inUse
	ch <- c.idle
	ch <- c.maxConns
	ch <- c.waitSeconds
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stat := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(stat.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(stat.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.maxConns, prometheus.GaugeValue, float64(stat.MaxConns()))
	ch <- prometheus.MustNewConstMetric(c.waitSeconds, prometheus.CounterValue, stat.EmptyAcquireWaitTime().Seconds())
}
