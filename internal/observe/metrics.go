// Package observe provides Stagehand's observability primitives: OpenTelemetry
// metrics with a Prometheus exporter bridge, and tracing.
//
// Metrics are recorded through the OTel Metrics API; [InitProvider] wires a
// Prometheus exporter so the standard /metrics endpoint keeps working. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all Stagehand metrics.
const meterName = "github.com/vtuberkit/stagehand"

// Metrics holds all OTel metric instruments. All fields are safe for
// concurrent use; the underlying OTel types handle their own
// synchronisation.
type Metrics struct {
	// MessagesIn counts normalized messages produced by input providers.
	// Attributes: provider.
	MessagesIn metric.Int64Counter

	// MessagesDropped counts messages dropped by a pipeline stage.
	// Attributes: pipeline.
	MessagesDropped metric.Int64Counter

	// Decisions counts published intents. Attributes: provider, emotion.
	Decisions metric.Int64Counter

	// DecisionDuration tracks message-to-intent latency.
	DecisionDuration metric.Float64Histogram

	// RenderDuration tracks per-provider render latency. Attributes:
	// provider, output_type, status.
	RenderDuration metric.Float64Histogram

	// RenderErrors counts failed renders. Attributes: provider, error_type.
	RenderErrors metric.Int64Counter

	// AudioChunksDropped counts audio chunks lost to backpressure.
	// Attributes: subscriber.
	AudioChunksDropped metric.Int64Counter

	// BusEmits counts bus emits. Attributes: event.
	BusEmits metric.Int64Counter

	// ActiveInputs tracks running input provider goroutines.
	ActiveInputs metric.Int64UpDownCounter
}

// latencyBuckets (seconds) cover the chat-to-render latencies we care about.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] using the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.MessagesIn, err = m.Int64Counter("stagehand.messages.in",
		metric.WithDescription("Normalized messages produced by input providers."),
	); err != nil {
		return nil, err
	}
	if met.MessagesDropped, err = m.Int64Counter("stagehand.messages.dropped",
		metric.WithDescription("Messages dropped by pipeline stages."),
	); err != nil {
		return nil, err
	}
	if met.Decisions, err = m.Int64Counter("stagehand.decisions",
		metric.WithDescription("Published intents by provider and emotion."),
	); err != nil {
		return nil, err
	}
	if met.DecisionDuration, err = m.Float64Histogram("stagehand.decision.duration",
		metric.WithDescription("Message-to-intent latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RenderDuration, err = m.Float64Histogram("stagehand.render.duration",
		metric.WithDescription("Per-provider render latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RenderErrors, err = m.Int64Counter("stagehand.render.errors",
		metric.WithDescription("Failed renders by provider and error type."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksDropped, err = m.Int64Counter("stagehand.audio.chunks_dropped",
		metric.WithDescription("Audio chunks lost to backpressure by subscriber."),
	); err != nil {
		return nil, err
	}
	if met.BusEmits, err = m.Int64Counter("stagehand.bus.emits",
		metric.WithDescription("Event bus emits by event name."),
	); err != nil {
		return nil, err
	}
	if met.ActiveInputs, err = m.Int64UpDownCounter("stagehand.inputs.active",
		metric.WithDescription("Running input provider goroutines."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], creating it on first
// call from [otel.GetMeterProvider]. Panics if instrument creation fails
// (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordMessage counts one produced message.
func (m *Metrics) RecordMessage(ctx context.Context, provider string) {
	m.MessagesIn.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

// RecordDrop counts one pipeline drop.
func (m *Metrics) RecordDrop(ctx context.Context, pipeline string) {
	m.MessagesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("pipeline", pipeline)))
}

// RecordDecision counts one published intent.
func (m *Metrics) RecordDecision(ctx context.Context, provider, emotion string) {
	m.Decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("emotion", emotion),
	))
}

// RecordRender records one render outcome.
func (m *Metrics) RecordRender(ctx context.Context, provider, outputType, status string, seconds float64) {
	m.RenderDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("output_type", outputType),
		attribute.String("status", status),
	))
}

// RecordRenderError counts one failed render.
func (m *Metrics) RecordRenderError(ctx context.Context, provider, errorType string) {
	m.RenderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("error_type", errorType),
	))
}

// RecordAudioDrop counts one dropped audio chunk.
func (m *Metrics) RecordAudioDrop(ctx context.Context, subscriber string) {
	m.AudioChunksDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("subscriber", subscriber)))
}

// RecordEmit counts one bus emit.
func (m *Metrics) RecordEmit(ctx context.Context, eventName string) {
	m.BusEmits.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventName)))
}
