// Package ratelimitmetrics exposes a Registry's per-key MetricsSnapshot
// data as Prometheus gauges and counters. It is additive over the
// synchronous Metrics() call: nothing here is required for correct
// scheduling, and a host that never registers a Collector pays no cost
// beyond the Metrics() calls Collect itself makes on scrape.
package ratelimitmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is the subset of ratelimiter.MetricsSnapshot this package
// depends on, restated locally so this package never imports the root
// module (which would create an import cycle, since the root package
// imports this one for Registry.PrometheusSnapshotSource).
type Snapshot struct {
	Key                string
	ActiveRequests     int
	MaxConcurrency     int
	CurrentConcurrency int
	QueueDepth         int
	TotalRequests      uint64
	CompletedRequests  uint64
	FailedRequests     uint64
	RateLimitHits      uint64
	RetriedRequests    uint64
	AvgLatencyMs       int
	P50LatencyMs       int
	P99LatencyMs       int
}

// SnapshotSource supplies the current per-key snapshots on every scrape.
// A *ratelimiter.Registry satisfies this via a thin adapter at the call
// site: func() map[string]Snapshot { ... }.
type SnapshotSource func() map[string]Snapshot

// Collector adapts a SnapshotSource to prometheus.Collector, registering
// one gauge/counter family per metric and one label ("key") per provider
// bucket.
type Collector struct {
	source SnapshotSource

	activeRequests     *prometheus.Desc
	maxConcurrency     *prometheus.Desc
	currentConcurrency *prometheus.Desc
	queueDepth         *prometheus.Desc
	totalRequests      *prometheus.Desc
	completedRequests  *prometheus.Desc
	failedRequests     *prometheus.Desc
	rateLimitHits      *prometheus.Desc
	retriedRequests    *prometheus.Desc
	avgLatencyMs       *prometheus.Desc
	p50LatencyMs       *prometheus.Desc
	p99LatencyMs       *prometheus.Desc
}

// NewCollector builds a Collector that calls source on every Collect.
// Register it with a prometheus.Registry the usual way:
//
//	reg := prometheus.NewRegistry()
//	reg.MustRegister(ratelimitmetrics.NewCollector(func() map[string]ratelimitmetrics.Snapshot {
//		out := map[string]ratelimitmetrics.Snapshot{}
//		for k, m := range registry.Metrics() {
//			out[string(k)] = ratelimitmetrics.Snapshot{ ... }
//		}
//		return out
//	}))
func NewCollector(source SnapshotSource) *Collector {
	const ns = "ratelimiter"
	labels := []string{"key"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(ns+"_"+name, help, labels, nil)
	}
	return &Collector{
		source:             source,
		activeRequests:     desc("active_requests", "In-flight requests currently admitted for this key."),
		maxConcurrency:     desc("max_concurrency", "Configured hard concurrency ceiling for this key."),
		currentConcurrency: desc("current_concurrency", "Current adaptive concurrency target for this key."),
		queueDepth:         desc("queue_depth", "Requests currently waiting in the FIFO admission queue."),
		totalRequests:      desc("requests_total", "Total requests received for this key, whether admitted, queued, or rejected."),
		completedRequests:  desc("requests_completed_total", "Requests that completed successfully for this key."),
		failedRequests:     desc("requests_failed_total", "Requests that failed terminally for this key."),
		rateLimitHits:      desc("rate_limit_hits_total", "Rate-limit responses observed for this key."),
		retriedRequests:    desc("requests_retried_total", "Retry attempts taken for this key."),
		avgLatencyMs:       desc("latency_avg_milliseconds", "Average observed call latency for this key."),
		p50LatencyMs:       desc("latency_p50_milliseconds", "Median observed call latency for this key."),
		p99LatencyMs:       desc("latency_p99_milliseconds", "P99 observed call latency for this key."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeRequests
	ch <- c.maxConcurrency
	ch <- c.currentConcurrency
	ch <- c.queueDepth
	ch <- c.totalRequests
	ch <- c.completedRequests
	ch <- c.failedRequests
	ch <- c.rateLimitHits
	ch <- c.retriedRequests
	ch <- c.avgLatencyMs
	ch <- c.p50LatencyMs
	ch <- c.p99LatencyMs
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for key, m := range c.source() {
		ch <- prometheus.MustNewConstMetric(c.activeRequests, prometheus.GaugeValue, float64(m.ActiveRequests), key)
		ch <- prometheus.MustNewConstMetric(c.maxConcurrency, prometheus.GaugeValue, float64(m.MaxConcurrency), key)
		ch <- prometheus.MustNewConstMetric(c.currentConcurrency, prometheus.GaugeValue, float64(m.CurrentConcurrency), key)
		ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(m.QueueDepth), key)
		ch <- prometheus.MustNewConstMetric(c.totalRequests, prometheus.CounterValue, float64(m.TotalRequests), key)
		ch <- prometheus.MustNewConstMetric(c.completedRequests, prometheus.CounterValue, float64(m.CompletedRequests), key)
		ch <- prometheus.MustNewConstMetric(c.failedRequests, prometheus.CounterValue, float64(m.FailedRequests), key)
		ch <- prometheus.MustNewConstMetric(c.rateLimitHits, prometheus.CounterValue, float64(m.RateLimitHits), key)
		ch <- prometheus.MustNewConstMetric(c.retriedRequests, prometheus.CounterValue, float64(m.RetriedRequests), key)
		ch <- prometheus.MustNewConstMetric(c.avgLatencyMs, prometheus.GaugeValue, float64(m.AvgLatencyMs), key)
		ch <- prometheus.MustNewConstMetric(c.p50LatencyMs, prometheus.GaugeValue, float64(m.P50LatencyMs), key)
		ch <- prometheus.MustNewConstMetric(c.p99LatencyMs, prometheus.GaugeValue, float64(m.P99LatencyMs), key)
	}
}
