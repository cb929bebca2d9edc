// Package telemetry registers Prometheus counters and gauges for the
// streaming engine, grounded on
// Emibrown-HLS-Playlist-Orchestrator/internal/platform/metrics's
// own-registry-plus-promhttp-handler shape.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector streamcore publishes: ABR
// decisions by bitrate, rebuffer enter/exit counts, fetch retries, fetch
// failures by CDN, sink append/quota-exceeded counts, and the current
// bandwidth estimate.
type Metrics struct {
	registry *prometheus.Registry

	abrDecisionsTotal      *prometheus.CounterVec
	rebufferEntersTotal    prometheus.Counter
	rebufferExitsTotal     prometheus.Counter
	fetchRetriesTotal      prometheus.Counter
	fetchFailuresByCDN     *prometheus.CounterVec
	sinkAppendsTotal       prometheus.Counter
	sinkQuotaExceededTotal prometheus.Counter
	bandwidthEstimate      prometheus.Gauge
}

// New creates and registers the Prometheus collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	abrDecisionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcore_abr_decisions_total",
		Help: "Total number of ABR representation decisions, by chosen bitrate",
	}, []string{"bitrate"})
	rebufferEntersTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_rebuffer_enters_total",
		Help: "Total number of times playback entered rebuffering",
	})
	rebufferExitsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_rebuffer_exits_total",
		Help: "Total number of times playback exited rebuffering",
	})
	fetchRetriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_fetch_retries_total",
		Help: "Total number of segment fetch retry attempts",
	})
	fetchFailuresByCDN := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcore_fetch_failures_total",
		Help: "Total number of segment fetch failures, by CDN host",
	}, []string{"host"})
	sinkAppendsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_sink_appends_total",
		Help: "Total number of successful sink append operations",
	})
	sinkQuotaExceededTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "streamcore_sink_quota_exceeded_total",
		Help: "Total number of quota-exceeded sink append errors",
	})
	bandwidthEstimate := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "streamcore_bandwidth_estimate_bps",
		Help: "Current EWMA bandwidth estimate in bits per second",
	})

	registry.MustRegister(
		abrDecisionsTotal,
		rebufferEntersTotal,
		rebufferExitsTotal,
		fetchRetriesTotal,
		fetchFailuresByCDN,
		sinkAppendsTotal,
		sinkQuotaExceededTotal,
		bandwidthEstimate,
	)

	return &Metrics{
		registry:               registry,
		abrDecisionsTotal:      abrDecisionsTotal,
		rebufferEntersTotal:    rebufferEntersTotal,
		rebufferExitsTotal:     rebufferExitsTotal,
		fetchRetriesTotal:      fetchRetriesTotal,
		fetchFailuresByCDN:     fetchFailuresByCDN,
		sinkAppendsTotal:       sinkAppendsTotal,
		sinkQuotaExceededTotal: sinkQuotaExceededTotal,
		bandwidthEstimate:      bandwidthEstimate,
	}
}

// ObserveABRDecision records a representation choice by its bitrate label.
func (m *Metrics) ObserveABRDecision(bitrateLabel string) {
	m.abrDecisionsTotal.WithLabelValues(bitrateLabel).Inc()
}

// IncRebufferEnter records a rebuffer-enter transition.
func (m *Metrics) IncRebufferEnter() { m.rebufferEntersTotal.Inc() }

// IncRebufferExit records a rebuffer-exit transition.
func (m *Metrics) IncRebufferExit() { m.rebufferExitsTotal.Inc() }

// IncFetchRetry records one fetch retry attempt.
func (m *Metrics) IncFetchRetry() { m.fetchRetriesTotal.Inc() }

// IncFetchFailure records a fetch failure against the named CDN host.
func (m *Metrics) IncFetchFailure(host string) {
	m.fetchFailuresByCDN.WithLabelValues(host).Inc()
}

// IncSinkAppend records a successful sink append.
func (m *Metrics) IncSinkAppend() { m.sinkAppendsTotal.Inc() }

// IncSinkQuotaExceeded records a quota-exceeded sink append error.
func (m *Metrics) IncSinkQuotaExceeded() { m.sinkQuotaExceededTotal.Inc() }

// SetBandwidthEstimate updates the current bandwidth-estimate gauge.
func (m *Metrics) SetBandwidthEstimate(bitsPerSecond float64) {
	m.bandwidthEstimate.Set(bitsPerSecond)
}

// Handler returns an http.Handler serving the Prometheus exposition
// format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
