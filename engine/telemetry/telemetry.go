// Package telemetry integrates engine events with Clue logging and OTEL
// metrics and tracing.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the engine's structured logging seam. Production wiring delegates
// to Clue; tests stub it with a few lines.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for engine instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer opens spans without binding engine code to a provider. Option types
// are OTEL's own, so call sites keep full control over span attributes.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span is an in-flight tracing span.
//
//	ctx, span := tracer.Start(ctx, "resume", trace.WithSpanKind(trace.SpanKindInternal))
//	defer span.End()
//	span.SetStatus(codes.Ok, "cycle committed")
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names emitted by the engine. Dispatcher and bus code references these
// constants so dashboards can rely on stable series names.
const (
	MetricInstancesStarted   = "flow_instances_started"
	MetricInstancesCompleted = "flow_instances_completed"
	MetricInstancesFailed    = "flow_instances_failed"
	MetricStepsExecuted      = "flow_steps_executed"
	MetricStepRetries        = "flow_step_retries"
	MetricEventsPublished    = "flow_events_published"
	MetricEventsQueued       = "flow_events_queued"
	MetricEventsDropped      = "flow_events_dropped"
	MetricTimersFired        = "flow_timers_fired"
	MetricDLQDepth           = "flow_dlq_depth"
	MetricResumeCycles       = "flow_resume_cycles"
	MetricCycleDuration      = "flow_cycle_duration_ms"
	MetricWakeLatency        = "flow_wake_latency_ms"
	MetricResourceViolations = "flow_resource_violations"
	MetricDLQRetried         = "flow_dlq_retried"
)
