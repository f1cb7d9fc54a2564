package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for StackPilot.
type Metrics struct {
	config MetricsConfig

	// Stack metrics
	stackOperations   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Resource metrics
	resourceOperations *prometheus.CounterVec
	resourcesInFlight  *prometheus.GaugeVec

	// Rollback metrics
	rollbacks prometheus.Counter

	// Handler metrics
	handlerCalls    *prometheus.CounterVec
	handlerDuration *prometheus.HistogramVec
	handlerErrors   *prometheus.CounterVec

	// Policy metrics
	policyViolations *prometheus.CounterVec

	// System metrics
	activeStacks prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// Stack metrics
		stackOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stack_operations_total",
				Help:      "Total number of stack operations by action and result",
			},
			[]string{"action", "result"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of stack and resource operations in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "action"},
		),

		// Resource metrics
		resourceOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_operations_total",
				Help:      "Total number of resource operations by type, action and result",
			},
			[]string{"type", "action", "result"},
		),
		resourcesInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_in_flight",
				Help:      "Current number of resources with an operation in progress",
			},
			[]string{"action"},
		),

		// Rollback metrics
		rollbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of stack rollbacks triggered by failed creates",
			},
		),

		// Handler metrics
		handlerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_calls_total",
				Help:      "Total number of handler calls",
			},
			[]string{"type", "operation"},
		),
		handlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_call_duration_seconds",
				Help:      "Duration of handler calls in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "operation"},
		),
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_errors_total",
				Help:      "Total number of handler errors",
			},
			[]string{"type", "operation"},
		),

		// Policy metrics
		policyViolations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_violations_total",
				Help:      "Total number of policy violations by policy name",
			},
			[]string{"policy"},
		),

		// System metrics
		activeStacks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_stacks",
				Help:      "Current number of stacks with an operation in progress",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.stackOperations,
		m.operationDuration,
		m.resourceOperations,
		m.resourcesInFlight,
		m.rollbacks,
		m.handlerCalls,
		m.handlerDuration,
		m.handlerErrors,
		m.policyViolations,
		m.activeStacks,
	)

	return m, nil
}

// Stack Metrics

// RecordStackOperationStarted marks a stack operation as in progress.
func (m *Metrics) RecordStackOperationStarted() {
	if m.activeStacks == nil {
		return
	}
	m.activeStacks.Inc()
}

// RecordStackOperation records a finished stack operation with its action,
// result and duration.
func (m *Metrics) RecordStackOperation(action, result string, duration time.Duration) {
	if m.stackOperations == nil {
		return
	}
	m.stackOperations.WithLabelValues(action, result).Inc()
	m.operationDuration.WithLabelValues("stack", action).Observe(duration.Seconds())
	m.activeStacks.Dec()
}

// Resource Metrics

// RecordResourceOperation records a finished resource operation.
func (m *Metrics) RecordResourceOperation(resourceType, action, result string, duration time.Duration) {
	if m.resourceOperations == nil {
		return
	}
	m.resourceOperations.WithLabelValues(resourceType, action, result).Inc()
	m.operationDuration.WithLabelValues("resource", action).Observe(duration.Seconds())
}

// ResourceInFlight adjusts the in-flight gauge as resource operations start
// and finish.
func (m *Metrics) ResourceInFlight(action string, delta float64) {
	if m.resourcesInFlight == nil {
		return
	}
	m.resourcesInFlight.WithLabelValues(action).Add(delta)
}

// Rollback Metrics

// RecordRollback counts a rollback pass over a failed stack create.
func (m *Metrics) RecordRollback() {
	if m.rollbacks == nil {
		return
	}
	m.rollbacks.Inc()
}

// Handler Metrics

// RecordHandlerCall records a handler call with its duration.
func (m *Metrics) RecordHandlerCall(resourceType, operation string, duration time.Duration) {
	if m.handlerCalls == nil {
		return
	}
	m.handlerCalls.WithLabelValues(resourceType, operation).Inc()
	m.handlerDuration.WithLabelValues(resourceType, operation).Observe(duration.Seconds())
}

// RecordHandlerError records a handler error.
func (m *Metrics) RecordHandlerError(resourceType, operation string) {
	if m.handlerErrors == nil {
		return
	}
	m.handlerErrors.WithLabelValues(resourceType, operation).Inc()
}

// Policy Metrics

// RecordPolicyViolation records a policy violation.
func (m *Metrics) RecordPolicyViolation(policy string) {
	if m.policyViolations == nil {
		return
	}
	m.policyViolations.WithLabelValues(policy).Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
