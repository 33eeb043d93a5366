// Package observability exposes runtime and bridge metrics on a private
// Prometheus registry.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/felixgeelhaar/moat/internal/domain/bridge"
	"github.com/felixgeelhaar/moat/internal/domain/modcache"
	"github.com/felixgeelhaar/moat/internal/domain/sandbox"
)

const namespace = "moat"

// Metrics holds every moat collector. It uses its own registry, so several
// instances can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	FuelConsumed      prometheus.Histogram
	HostCallsTotal    *prometheus.CounterVec

	BridgeCallsTotal   *prometheus.CounterVec
	BridgeCallDuration *prometheus.HistogramVec
	BridgeRetriesTotal *prometheus.CounterVec
}

var (
	_ sandbox.Recorder = (*Metrics)(nil)
	_ bridge.Recorder  = (*Metrics)(nil)
)

// NewMetrics creates a Metrics with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total module executions by final status.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Module execution duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"status"}),

		FuelConsumed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "fuel_consumed",
			Help:      "Fuel consumed per execution.",
			Buckets:   prometheus.ExponentialBuckets(1000, 10, 8),
		}),

		HostCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "host_calls_total",
			Help:      "Host function calls by function and outcome.",
		}, []string{"function", "outcome"}),

		BridgeCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "calls_total",
			Help:      "External calls by service, operation and outcome.",
		}, []string{"service", "operation", "outcome"}),

		BridgeCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "call_duration_seconds",
			Help:      "External call duration in seconds, cache hits included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "operation"}),

		BridgeRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "retries_total",
			Help:      "Retried external call attempts.",
		}, []string{"service", "operation"}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.FuelConsumed,
		m.HostCallsTotal,
		m.BridgeCallsTotal,
		m.BridgeCallDuration,
		m.BridgeRetriesTotal,
	)

	return m
}

// ObserveExecution implements sandbox.Recorder.
func (m *Metrics) ObserveExecution(status sandbox.Status, duration time.Duration, fuel uint64) {
	m.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	m.ExecutionDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	m.FuelConsumed.Observe(float64(fuel))
}

// ObserveHostCall implements sandbox.Recorder.
func (m *Metrics) ObserveHostCall(function, outcome string) {
	m.HostCallsTotal.WithLabelValues(function, outcome).Inc()
}

// ObserveCall implements bridge.Recorder.
func (m *Metrics) ObserveCall(service, operation, outcome string, duration time.Duration) {
	m.BridgeCallsTotal.WithLabelValues(service, operation, outcome).Inc()
	m.BridgeCallDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// ObserveRetry implements bridge.Recorder.
func (m *Metrics) ObserveRetry(service, operation string) {
	m.BridgeRetriesTotal.WithLabelValues(service, operation).Inc()
}

// WatchModuleCache exports the compiled module cache counters, read from
// stats at scrape time.
func (m *Metrics) WatchModuleCache(stats func() modcache.Stats) {
	m.Registry.MustRegister(
		counterFunc("module_cache", "hits_total", "Compiled module cache hits.",
			func() float64 { return float64(stats().Hits) }),
		counterFunc("module_cache", "misses_total", "Compiled module cache misses.",
			func() float64 { return float64(stats().Misses) }),
		counterFunc("module_cache", "compilations_total", "Module compilations.",
			func() float64 { return float64(stats().Compilations) }),
		counterFunc("module_cache", "evictions_total", "Compiled modules evicted.",
			func() float64 { return float64(stats().Evictions) }),
		gaugeFunc("module_cache", "entries", "Compiled modules currently cached.",
			func() float64 { return float64(stats().Entries) }),
		gaugeFunc("module_cache", "bytes", "Source bytes of cached modules.",
			func() float64 { return float64(stats().Bytes) }),
	)
}

// WatchBridge exports the bridge result cache and pool counters.
func (m *Metrics) WatchBridge(stats func() bridge.Stats) {
	m.Registry.MustRegister(
		counterFunc("bridge", "result_cache_hits_total", "Result cache hits.",
			func() float64 { return float64(stats().CacheHits) }),
		counterFunc("bridge", "result_cache_misses_total", "Result cache misses.",
			func() float64 { return float64(stats().CacheMisses) }),
		gaugeFunc("bridge", "cached_results", "Results currently cached.",
			func() float64 { return float64(stats().CachedResults) }),
		counterFunc("bridge", "upstream_calls_total", "Attempts that reached a service.",
			func() float64 { return float64(stats().UpstreamCalls) }),
		counterFunc("bridge", "pool_acquisitions_total", "Connections acquired from service pools.",
			func() float64 { return float64(stats().PoolAcquisitions) }),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func counterFunc(subsystem, name, help string, fn func() float64) prometheus.CounterFunc {
	return prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}

func gaugeFunc(subsystem, name, help string, fn func() float64) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn)
}
