// Package observability holds the Prometheus metrics and OpenTelemetry
// tracing shared by the API, the controller and the worker.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultNamespace = "release_gate"

// Metrics is every collector the service exports
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RunsActive   prometheus.Gauge
	RunDuration  *prometheus.HistogramVec
	RunConflicts *prometheus.CounterVec

	GatesTotal    *prometheus.CounterVec
	GateDuration  *prometheus.HistogramVec
	GateAttempts  *prometheus.CounterVec
	PolicyRejects *prometheus.CounterVec

	RollbacksTotal   *prometheus.CounterVec
	RollbackDuration prometheus.Histogram

	ApprovalsTotal *prometheus.CounterVec
	ApprovalWait   prometheus.Histogram

	HTTPRequests  *prometheus.CounterVec
	HTTPLatency   *prometheus.HistogramVec
	HTTPInFlight  prometheus.Gauge
	QueueDepth    *prometheus.GaugeVec
	QueueWait     *prometheus.HistogramVec
	WorkersActive prometheus.Gauge
}

// NewMetrics registers the collectors with the default registry
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers the collectors with reg. An empty namespace means
// release_gate.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = defaultNamespace
	}
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: name, Help: help, Buckets: buckets}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	return &Metrics{
		RunsTotal:    counter("runs_total", "Pipeline runs by final status", "environment", "strategy", "status"),
		RunsActive:   gauge("runs_active", "Pipeline runs currently executing"),
		RunDuration:  histogram("run_duration_seconds", "Time from run acceptance to final status", []float64{30, 60, 120, 300, 600, 900, 1800, 3600, 7200}, "environment", "status"),
		RunConflicts: counter("run_conflicts_total", "Runs refused because another run held the environment and service", "environment"),

		GatesTotal:    counter("gates_total", "Gate executions by final status", "type", "status"),
		GateDuration:  histogram("gate_duration_seconds", "Time spent in a gate including retries", []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800}, "type", "status"),
		GateAttempts:  counter("gate_attempts_total", "Individual gate attempts by outcome", "type", "outcome"),
		PolicyRejects: counter("policy_violations_total", "Runs rejected by environment policy", "environment", "rule"),

		RollbacksTotal: counter("rollbacks_total", "Rollback attempts by result", "environment", "result"),
		RollbackDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rollback_duration_seconds",
			Help:      "Time taken to restore and verify a snapshot",
			Buckets:   []float64{10, 30, 60, 120, 300, 600},
		}),

		ApprovalsTotal: counter("approvals_total", "Approval requests by terminal status", "status"),
		ApprovalWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_wait_seconds",
			Help:      "Time a manual gate waited for a decision",
			Buckets:   []float64{60, 300, 900, 1800, 3600, 7200, 14400, 86400},
		}),

		HTTPRequests:  counter("http_requests_total", "API requests by route and status code", "method", "route", "code"),
		HTTPLatency:   histogram("http_request_duration_seconds", "API request latency by route", prometheus.DefBuckets, "method", "route"),
		HTTPInFlight:  gauge("http_requests_in_flight", "API requests being served"),
		QueueDepth:    f.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: "queue_depth", Help: "Jobs waiting per job type"}, []string{"job_type"}),
		QueueWait:     histogram("queue_wait_seconds", "Time a job waited between enqueue and pickup", []float64{1, 5, 10, 30, 60, 120, 300}, "job_type"),
		WorkersActive: gauge("workers_active", "Worker goroutines processing jobs"),
	}
}

func (m *Metrics) RecordRun(environment, strategy, status string, seconds float64) {
	m.RunsTotal.WithLabelValues(environment, strategy, status).Inc()
	m.RunDuration.WithLabelValues(environment, status).Observe(seconds)
}

func (m *Metrics) IncRunsActive() { m.RunsActive.Inc() }
func (m *Metrics) DecRunsActive() { m.RunsActive.Dec() }

// RecordConflict records a run or rollback refused because the lease was held
func (m *Metrics) RecordConflict(environment string) {
	m.RunConflicts.WithLabelValues(environment).Inc()
}

// RecordGate records a gate's final status and total time
func (m *Metrics) RecordGate(gateType, status string, seconds float64) {
	m.GatesTotal.WithLabelValues(gateType, status).Inc()
	m.GateDuration.WithLabelValues(gateType, status).Observe(seconds)
}

// RecordGateAttempt records one attempt; outcome is passed, failed or error
func (m *Metrics) RecordGateAttempt(gateType, outcome string) {
	m.GateAttempts.WithLabelValues(gateType, outcome).Inc()
}

func (m *Metrics) RecordPolicyViolation(environment, rule string) {
	m.PolicyRejects.WithLabelValues(environment, rule).Inc()
}

// RecordRollback records a rollback attempt; result is restored or failed
func (m *Metrics) RecordRollback(environment, result string, seconds float64) {
	m.RollbacksTotal.WithLabelValues(environment, result).Inc()
	m.RollbackDuration.Observe(seconds)
}

// RecordApproval records a resolved approval and how long the gate waited
func (m *Metrics) RecordApproval(status string, waitSeconds float64) {
	m.ApprovalsTotal.WithLabelValues(status).Inc()
	m.ApprovalWait.Observe(waitSeconds)
}

// ObserveHTTP records a served request against its route pattern
func (m *Metrics) ObserveHTTP(method, route string, code int, seconds float64) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPLatency.WithLabelValues(method, route).Observe(seconds)
}

// TrackInFlight counts a request as in flight until the returned func is called
func (m *Metrics) TrackInFlight() func() {
	m.HTTPInFlight.Inc()
	return m.HTTPInFlight.Dec
}

func (m *Metrics) SetQueueDepth(jobType string, depth int64) {
	m.QueueDepth.WithLabelValues(jobType).Set(float64(depth))
}

func (m *Metrics) RecordQueueWait(jobType string, seconds float64) {
	m.QueueWait.WithLabelValues(jobType).Observe(seconds)
}

func (m *Metrics) SetWorkersActive(count int) {
	m.WorkersActive.Set(float64(count))
}

// DefaultMetrics is registered with the default registry and served on /metrics
var DefaultMetrics = NewMetrics("")
