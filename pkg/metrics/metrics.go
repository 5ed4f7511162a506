// Package metrics exposes the Prometheus collectors for the scan engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scan_engine",
			Subsystem: "tasks",
			Name:      "processed_total",
			Help:      "Total number of scanned tasks grouped by final action.",
		},
		[]string{"action"},
	)

	taskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "scan_engine",
			Subsystem: "tasks",
			Name:      "scan_duration_seconds",
			Help:      "Wall-clock duration of a full task scan.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
	)

	symbolRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scan_engine",
			Subsystem: "symbols",
			Name:      "runs_total",
			Help:      "Symbol executions grouped by terminal state.",
		},
		[]string{"state"},
	)

	symbolTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scan_engine",
			Subsystem: "symbols",
			Name:      "timeouts_total",
			Help:      "Asynchronous symbols forcibly finalized on timeout.",
		},
		[]string{"symbol"},
	)

	compositeIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "scan_engine",
			Subsystem: "composites",
			Name:      "iterations",
			Help:      "Fixed-point iterations needed per composite phase.",
			Buckets:   prometheus.LinearBuckets(1, 2, 16),
		},
	)

	passthroughs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scan_engine",
			Subsystem: "tasks",
			Name:      "passthroughs_total",
			Help:      "Passthrough overrides recorded, grouped by action.",
		},
		[]string{"action"},
	)

	collaboratorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scan_engine",
			Subsystem: "io",
			Name:      "collaborator_calls_total",
			Help:      "Calls to external collaborators grouped by kind and status.",
		},
		[]string{"kind", "status"},
	)

	collaboratorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scan_engine",
			Subsystem: "io",
			Name:      "collaborator_duration_seconds",
			Help:      "Duration of external collaborator calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
		[]string{"kind"},
	)

	mapReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scan_engine",
			Subsystem: "maps",
			Name:      "reloads_total",
			Help:      "Map reload attempts grouped by map name and success.",
		},
		[]string{"map", "success"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scan_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scan_engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		tasksTotal,
		taskDuration,
		symbolRuns,
		symbolTimeouts,
		compositeIterations,
		passthroughs,
		collaboratorCalls,
		collaboratorDuration,
		mapReloads,
		httpRequests,
		httpDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler returns the HTTP handler serving the registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveTask records a finished task scan.
func ObserveTask(action string, elapsed time.Duration) {
	tasksTotal.WithLabelValues(action).Inc()
	taskDuration.Observe(elapsed.Seconds())
}

// ObserveSymbol records a symbol reaching a terminal state.
func ObserveSymbol(state string) {
	symbolRuns.WithLabelValues(state).Inc()
}

// ObserveSymbolTimeout records a forced timeout finalization.
func ObserveSymbolTimeout(symbol string) {
	symbolTimeouts.WithLabelValues(symbol).Inc()
}

// ObserveCompositeIterations records the fixed-point depth of a composite phase.
func ObserveCompositeIterations(n int) {
	compositeIterations.Observe(float64(n))
}

// ObservePassthrough records a recorded passthrough override.
func ObservePassthrough(action string) {
	passthroughs.WithLabelValues(action).Inc()
}

// ObserveCollaborator records one collaborator call.
func ObserveCollaborator(kind, status string, elapsed time.Duration) {
	collaboratorCalls.WithLabelValues(kind, status).Inc()
	collaboratorDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveMapReload records a map reload attempt.
func ObserveMapReload(name string, ok bool) {
	mapReloads.WithLabelValues(name, strconv.FormatBool(ok)).Inc()
}

// ObserveHTTP records a handled HTTP request.
func ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}
