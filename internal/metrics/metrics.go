// Package metrics provides Prometheus metrics for apex-debug monitoring
// Exports HTTP, CDP, session, and hang-detector metrics
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for apex-debug
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Session Metrics
	SessionsStartedTotal prometheus.Counter
	SessionsActive       prometheus.Gauge
	SessionStartFailures *prometheus.CounterVec
	SessionDuration      prometheus.Histogram

	// CDP Metrics
	CDPCommandsTotal   *prometheus.CounterVec
	CDPCommandDuration *prometheus.HistogramVec
	CDPCommandTimeouts prometheus.Counter
	CDPEventsTotal     *prometheus.CounterVec

	// Breakpoint Metrics
	BreakpointsSetTotal *prometheus.CounterVec
	BreakpointHitsTotal prometheus.Counter

	// Hang Detector Metrics
	HangDetectionsTotal *prometheus.CounterVec
	SamplesTotal        prometheus.Counter

	// Process Metrics
	SpawnsTotal    *prometheus.CounterVec
	SpawnDuration  prometheus.Histogram
	ChildrenActive prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// HTTP Metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apexdbg",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apexdbg",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apexdbg",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	// Session Metrics
	m.SessionsStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apexdbg",
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Total number of debug sessions started",
		},
	)

	m.SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apexdbg",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of currently live debug sessions",
		},
	)

	m.SessionStartFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apexdbg",
			Subsystem: "session",
			Name:      "start_failures_total",
			Help:      "Debug session start failures by error code",
		},
		[]string{"code"},
	)

	m.SessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "apexdbg",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Lifetime of debug sessions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		},
	)

	// CDP Metrics
	m.CDPCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apexdbg",
			Subsystem: "cdp",
			Name:      "commands_total",
			Help:      "Total CDP commands sent by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	m.CDPCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "apexdbg",
			Subsystem: "cdp",
			Name:      "command_duration_seconds",
			Help:      "CDP command round-trip duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)

	m.CDPCommandTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apexdbg",
			Subsystem: "cdp",
			Name:      "command_timeouts_total",
			Help:      "CDP commands that expired before a reply arrived",
		},
	)

	m.CDPEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apexdbg",
			Subsystem: "cdp",
			Name:      "events_total",
			Help:      "Unsolicited CDP events received by method",
		},
		[]string{"method"},
	)

	// Breakpoint Metrics
	m.BreakpointsSetTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apexdbg",
			Subsystem: "breakpoint",
			Name:      "set_total",
			Help:      "Breakpoints registered by kind",
		},
		[]string{"kind"},
	)

	m.BreakpointHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apexdbg",
			Subsystem: "breakpoint",
			Name:      "hits_total",
			Help:      "Breakpoint hits observed across all sessions",
		},
	)

	// Hang Detector Metrics
	m.HangDetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apexdbg",
			Subsystem: "hang",
			Name:      "detections_total",
			Help:      "Hang detector runs by outcome (completed, loop, hung, failed)",
		},
		[]string{"outcome"},
	)

	m.SamplesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "apexdbg",
			Subsystem: "hang",
			Name:      "samples_total",
			Help:      "Top-frame samples taken by the hang detector",
		},
	)

	// Process Metrics
	m.SpawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apexdbg",
			Subsystem: "process",
			Name:      "spawns_total",
			Help:      "Child runtime spawns by outcome",
		},
		[]string{"outcome"},
	)

	m.SpawnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "apexdbg",
			Subsystem: "process",
			Name:      "spawn_duration_seconds",
			Help:      "Time from spawn to inspector endpoint in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	m.ChildrenActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "apexdbg",
			Subsystem: "process",
			Name:      "children_active",
			Help:      "Number of live child runtime processes",
		},
	)

	return m
}
