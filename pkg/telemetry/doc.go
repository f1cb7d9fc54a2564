// Package telemetry provides comprehensive observability instrumentation for StackPilot.
//
// The telemetry package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into a unified system
// for monitoring and debugging stack operations.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for live subscribers
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "stackpilot"
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("orchestrator")
//	logger = logger.WithStack("4f2d9a7e").WithResource("server")
//	logger.Info("Creating resource")
//	logger.WithError(err).Error("Create failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into stack execution and handler latency:
//
//	ctx, span := tel.Tracer.StartStackSpan(ctx, stackID, "CREATE")
//	defer span.End()
//
//	if err != nil {
//	    telemetry.RecordError(span, err)
//	}
//
// Supported exporters: OTLP (production), Stdout (development), None (testing)
//
// # Metrics
//
// Key metrics exposed:
//
//   - stackpilot_stack_operations_total{action,result}
//   - stackpilot_resource_operations_total{type,action,result}
//   - stackpilot_operation_duration_seconds{kind,action}
//   - stackpilot_resources_in_flight{action}
//   - stackpilot_rollbacks_total
//   - stackpilot_handler_calls_total{type,operation}
//   - stackpilot_handler_errors_total{type,operation}
//   - stackpilot_policy_violations_total{policy}
//   - stackpilot_active_stacks
//
// Metrics are exposed via HTTP at /metrics (default: :9090/metrics)
//
// # Event Publishing
//
// The event system provides async publishing with buffering and filtering:
//
//	tel.Events.Subscribe(func(event telemetry.Event) {
//	    fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
//	}, telemetry.FilterByStack(stackID))
//
// Event filters: FilterByLevel, FilterByType, FilterByStack, FilterByResource
//
// # Graceful Shutdown
//
// Always shut down telemetry gracefully to flush pending spans and events:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//
//	if err := tel.Shutdown(ctx); err != nil {
//	    log.Printf("Telemetry shutdown error: %v", err)
//	}
package telemetry
