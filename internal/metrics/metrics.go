// Package metrics exposes Prometheus instrumentation for the gate, the
// approval pipeline, learning cycles and the HTTP surface. All methods are
// safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warpgate"

// Metrics owns a private registry and every collector.
type Metrics struct {
	registry *prometheus.Registry

	gateDecisions  *prometheus.CounterVec
	gateModes      *prometheus.GaugeVec
	submissions    *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	pipelineDur    *prometheus.HistogramVec
	inflight       prometheus.Gauge
	cycles         *prometheus.CounterVec
	cycleDur       prometheus.Histogram
	collabRequests *prometheus.CounterVec
	collabDur      *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	httpDur        *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		gateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gate", Name: "decisions_total",
			Help: "Admission decisions by outcome and reason.",
		}, []string{"allowed", "reason"}),
		gateModes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "gate", Name: "mode_active",
			Help: "1 while the override mode is active.",
		}, []string{"mode"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "proposals", Name: "submitted_total",
			Help: "Submitted proposals by duplicate class.",
		}, []string{"duplicate_class"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "approvals", Name: "transitions_total",
			Help: "Approval status transitions.",
		}, []string{"from", "to"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "approvals", Name: "conflicts_total",
			Help: "Transitions refused because the source status did not match.",
		}, []string{"op"}),
		pipelineDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "approvals", Name: "stage_duration_seconds",
			Help:    "Build and publish stage duration.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 90, 180},
		}, []string{"stage", "success"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "approvals", Name: "pipelines_inflight",
			Help: "Build/publish pipelines currently running.",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cycle", Name: "runs_total",
			Help: "Learning cycles by outcome and reason.",
		}, []string{"success", "reason"}),
		cycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "cycle", Name: "duration_seconds",
			Help:    "Learning cycle duration.",
			Buckets: prometheus.DefBuckets,
		}),
		collabRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "collab", Name: "requests_total",
			Help: "External collaborator calls.",
		}, []string{"service", "success"}),
		collabDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "collab", Name: "request_duration_seconds",
			Help:    "External collaborator call duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.gateDecisions, m.gateModes, m.submissions, m.transitions, m.conflicts,
		m.pipelineDur, m.inflight, m.cycles, m.cycleDur,
		m.collabRequests, m.collabDur, m.httpRequests, m.httpDur,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GateDecision counts one Evaluate result.
func (m *Metrics) GateDecision(allowed bool, reason string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(strconv.FormatBool(allowed), reason).Inc()
}

// GateMode tracks warp/chaos activation.
func (m *Metrics) GateMode(mode string, active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.gateModes.WithLabelValues(mode).Set(v)
}

// Submission counts a classified submission.
func (m *Metrics) Submission(class string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(class).Inc()
}

// Transition counts a successful status change.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// Conflict counts a refused transition.
func (m *Metrics) Conflict(op string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(op).Inc()
}

// Stage records a build or publish stage.
func (m *Metrics) Stage(stage string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineDur.WithLabelValues(stage, strconv.FormatBool(success)).Observe(d.Seconds())
}

// PipelineStarted and PipelineFinished bracket one build/publish pipeline.
func (m *Metrics) PipelineStarted() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) PipelineFinished() {
	if m == nil {
		return
	}
	m.inflight.Dec()
}

// Cycle records a finished learning cycle.
func (m *Metrics) Cycle(success bool, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(strconv.FormatBool(success), reason).Inc()
	m.cycleDur.Observe(d.Seconds())
}

// Collab records an external collaborator call.
func (m *Metrics) Collab(service string, success bool, d time.Duration) {
	if m == nil {
		return
	}
	m.collabRequests.WithLabelValues(service, strconv.FormatBool(success)).Inc()
	m.collabDur.WithLabelValues(service).Observe(d.Seconds())
}

// HTTPRequest records one served request.
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, route, statusLabel).Inc()
	m.httpDur.WithLabelValues(method, route, statusLabel).Observe(d.Seconds())
}
