package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Initialize tracer
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	// Initialize metrics
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	// Initialize event publisher
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// NewNopTelemetry creates a telemetry instance that records nothing. It keeps
// call sites unconditional in code paths that may run without observability
// wiring, such as unit tests.
func NewNopTelemetry() *Telemetry {
	cfg := &Config{
		ServiceName:    "stackpilot",
		ServiceVersion: "test",
		Logging: LoggingConfig{
			Level:  "fatal",
			Format: "json",
			Output: "stderr",
		},
	}

	logger, _ := NewLogger(cfg.Logging)
	tracer, _ := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Shutdown in reverse order of initialization
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	// Metrics server is not explicitly shut down here as it may need to continue
	// serving metrics until the very end of the application lifecycle

	return nil
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Context Helpers for common instrumentation patterns

// InstrumentedContext bundles the context, span, logger and timer of one
// instrumented operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	// Start trace span
	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	// Create logger with operation field
	logger := tel.Logger.WithField("operation", operation)

	// Add trace context to logger if available
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// StackOperation instruments one stack-level operation: a span, a scoped
// logger, the in-progress gauge and a started event.
type StackOperation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer

	tel     *Telemetry
	stackID string
	action  string
}

// StartStackOperation begins stack-level instrumentation for an action.
func StartStackOperation(ctx context.Context, stackID, name, action string) *StackOperation {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &StackOperation{
			Ctx:     ctx,
			Logger:  FromContext(ctx),
			Timer:   NewTimer(),
			stackID: stackID,
			action:  action,
		}
	}

	spanCtx, span := tel.Tracer.StartStackSpan(ctx, stackID, action)

	logger := tel.Logger.WithStack(stackID).WithAction(action)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordStackOperationStarted()
	_ = tel.Events.PublishStackStarted(stackID, name, action)

	return &StackOperation{
		Ctx:     spanCtx,
		Span:    span,
		Logger:  logger,
		Timer:   NewTimer(),
		tel:     tel,
		stackID: stackID,
		action:  action,
	}
}

// End completes the stack operation, recording metrics, span outcome and a
// terminal event.
func (so *StackOperation) End(status string, err error) {
	if so.Span != nil {
		if err != nil {
			RecordError(so.Span, err)
		} else {
			RecordSuccess(so.Span)
		}
		so.Span.End()
	}

	if so.tel == nil {
		return
	}

	duration := so.Timer.Duration()
	result := "success"
	if err != nil {
		result = "failure"
	}
	so.tel.Metrics.RecordStackOperation(so.action, result, duration)

	if err != nil {
		_ = so.tel.Events.PublishStackFailed(so.stackID, status, err.Error())
	} else {
		_ = so.tel.Events.PublishStackCompleted(so.stackID, status, duration)
	}
}

// ResourceOperation instruments one resource-level operation.
type ResourceOperation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer

	tel          *Telemetry
	resourceType string
	action       string
}

// StartResourceOperation begins resource-level instrumentation for an action.
func StartResourceOperation(ctx context.Context, stackID, resource, resourceType, action string) *ResourceOperation {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &ResourceOperation{
			Ctx:          ctx,
			Logger:       FromContext(ctx),
			Timer:        NewTimer(),
			resourceType: resourceType,
			action:       action,
		}
	}

	spanCtx, span := tel.Tracer.StartResourceSpan(ctx, stackID, resource, resourceType, action)

	logger := tel.Logger.
		WithStack(stackID).
		WithResource(resource).
		WithAction(action)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.ResourceInFlight(action, 1)

	return &ResourceOperation{
		Ctx:          spanCtx,
		Span:         span,
		Logger:       logger,
		Timer:        NewTimer(),
		tel:          tel,
		resourceType: resourceType,
		action:       action,
	}
}

// End completes the resource operation, recording metrics and span outcome.
func (ro *ResourceOperation) End(err error) {
	if ro.Span != nil {
		if err != nil {
			RecordError(ro.Span, err)
		} else {
			RecordSuccess(ro.Span)
		}
		ro.Span.End()
	}

	if ro.tel == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "failure"
	}
	ro.tel.Metrics.RecordResourceOperation(ro.resourceType, ro.action, result, ro.Timer.Duration())
	ro.tel.Metrics.ResourceInFlight(ro.action, -1)
}

// RecordHandlerOperation records a single handler call with metrics and tracing.
func RecordHandlerOperation(ctx context.Context, resourceType, operation string, fn func() error) error {
	tel := FromTelemetryContext(ctx)

	// Start span
	var span trace.Span
	if tel != nil {
		_, span = tel.Tracer.StartHandlerSpan(ctx, resourceType, operation)
		defer span.End()
	}

	// Start timer
	timer := NewTimer()

	// Execute operation
	err := fn()

	// Record metrics
	if tel != nil {
		duration := timer.Duration()
		tel.Metrics.RecordHandlerCall(resourceType, operation, duration)
		if err != nil {
			tel.Metrics.RecordHandlerError(resourceType, operation)
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
	}

	return err
}
