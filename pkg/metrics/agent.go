package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// agentCollectors holds every agent-specific metric. Populated once by
// InitRegistry; nil while metrics are disabled.
type agentCollectors struct {
	pageReads      *prometheus.CounterVec
	pageWrites     prometheus.Counter
	pageEvictions  *prometheus.CounterVec
	cacheSize      prometheus.Gauge
	uploadParts    prometheus.Counter
	uploadBytes    prometheus.Counter
	uploadOutcomes *prometheus.CounterVec
	proxyRequests  *prometheus.CounterVec
	proxyDuration  prometheus.Histogram
}

var agent *agentCollectors

func initCollectors(reg *prometheus.Registry) {
	agent = &agentCollectors{
		pageReads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_cache_page_reads_total",
				Help: "Cache page reads by status",
			},
			[]string{"status"}, // "hit", "nan", "miss"
		),
		pageWrites: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "agent_cache_page_writes_total",
				Help: "Segments written into cache pages",
			},
		),
		pageEvictions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_cache_page_evictions_total",
				Help: "Pages evicted by the collector",
			},
			[]string{"cycle"}, // "soft", "hard"
		),
		cacheSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_cache_size_bytes",
				Help: "Total size of cached pages after the last collection",
			},
		),
		uploadParts: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "agent_upload_parts_total",
				Help: "Multipart upload parts sent to object storage",
			},
		),
		uploadBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "agent_upload_bytes_total",
				Help: "Bytes sent to object storage",
			},
		),
		uploadOutcomes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_upload_groups_total",
				Help: "Import group outcomes",
			},
			[]string{"outcome"}, // "completed", "failed"
		),
		proxyRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_proxy_requests_total",
				Help: "Requests forwarded by the HTTP proxy",
			},
			[]string{"method"},
		),
		proxyDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_proxy_request_duration_seconds",
				Help:    "HTTP proxy round-trip duration",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// ObservePageRead counts one page read with the given status (hit/nan/miss).
func ObservePageRead(status string) {
	if agent != nil {
		agent.pageReads.WithLabelValues(status).Inc()
	}
}

// ObservePageWrite counts one segment written into a page.
func ObservePageWrite() {
	if agent != nil {
		agent.pageWrites.Inc()
	}
}

// ObserveEviction counts one evicted page for a collection cycle.
func ObserveEviction(cycle string) {
	if agent != nil {
		agent.pageEvictions.WithLabelValues(cycle).Inc()
	}
}

// SetCacheSize records the total cache size after a collection pass.
func SetCacheSize(bytes int64) {
	if agent != nil {
		agent.cacheSize.Set(float64(bytes))
	}
}

// ObserveUploadPart counts one uploaded part of the given size.
func ObserveUploadPart(bytes int64) {
	if agent != nil {
		agent.uploadParts.Inc()
		agent.uploadBytes.Add(float64(bytes))
	}
}

// ObserveUploadOutcome counts a finished import group.
func ObserveUploadOutcome(outcome string) {
	if agent != nil {
		agent.uploadOutcomes.WithLabelValues(outcome).Inc()
	}
}

// ObserveProxyRequest records one proxied request.
func ObserveProxyRequest(method string, duration time.Duration) {
	if agent != nil {
		agent.proxyRequests.WithLabelValues(method).Inc()
		agent.proxyDuration.Observe(duration.Seconds())
	}
}
