package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector owns the agent runtime instruments. A disabled collector
// has nil instruments and every Record call is a no-op.
type MetricsCollector struct {
	meter metric.Meter

	runs          metric.Int64Counter
	runIterations metric.Int64Histogram
	runsActive    metric.Int64UpDownCounter

	modelRequests metric.Int64Counter
	modelLatency  metric.Float64Histogram

	toolCalls    metric.Int64Counter
	toolDuration metric.Float64Histogram

	moderationViolations metric.Int64Counter
	streamDropped        metric.Int64Counter
}

// MetricsConfig configures the metrics collector
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port" mapstructure:"prometheus_port"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	m := &MetricsCollector{meter: provider.Meter("agentflow")}
	if err := m.init(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MetricsCollector) init() error {
	var err error
	if m.runs, err = m.meter.Int64Counter(
		"agentflow.runs.total",
		metric.WithDescription("Agent runs by terminal status"),
		metric.WithUnit("{run}"),
	); err != nil {
		return fmt.Errorf("failed to create runs counter: %w", err)
	}
	if m.runIterations, err = m.meter.Int64Histogram(
		"agentflow.run.iterations",
		metric.WithDescription("Loop iterations consumed per run"),
		metric.WithUnit("{iteration}"),
	); err != nil {
		return fmt.Errorf("failed to create iterations histogram: %w", err)
	}
	if m.runsActive, err = m.meter.Int64UpDownCounter(
		"agentflow.runs.active",
		metric.WithDescription("Runs currently executing"),
		metric.WithUnit("{run}"),
	); err != nil {
		return fmt.Errorf("failed to create active runs gauge: %w", err)
	}
	if m.modelRequests, err = m.meter.Int64Counter(
		"agentflow.model.requests.total",
		metric.WithDescription("Model calls issued by the agent loop"),
		metric.WithUnit("{request}"),
	); err != nil {
		return fmt.Errorf("failed to create model requests counter: %w", err)
	}
	if m.modelLatency, err = m.meter.Float64Histogram(
		"agentflow.model.latency",
		metric.WithDescription("Model call latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create model latency histogram: %w", err)
	}
	if m.toolCalls, err = m.meter.Int64Counter(
		"agentflow.tool.calls.total",
		metric.WithDescription("Tool invocations by outcome"),
		metric.WithUnit("{call}"),
	); err != nil {
		return fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	if m.toolDuration, err = m.meter.Float64Histogram(
		"agentflow.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create tool duration histogram: %w", err)
	}
	if m.moderationViolations, err = m.meter.Int64Counter(
		"agentflow.moderation.violations.total",
		metric.WithDescription("Inputs rejected by moderation rules"),
		metric.WithUnit("{violation}"),
	); err != nil {
		return fmt.Errorf("failed to create moderation counter: %w", err)
	}
	if m.streamDropped, err = m.meter.Int64Counter(
		"agentflow.stream.dropped.total",
		metric.WithDescription("Stream events dropped for slow or gone subscribers"),
		metric.WithUnit("{event}"),
	); err != nil {
		return fmt.Errorf("failed to create stream drop counter: %w", err)
	}
	return nil
}

// Handler serves the Prometheus scrape endpoint.
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.Handler()
}

// RunStarted marks a run as active.
func (m *MetricsCollector) RunStarted(ctx context.Context) {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Add(ctx, 1)
}

// RunFinished records the terminal status and iteration count of a run.
func (m *MetricsCollector) RunFinished(ctx context.Context, strategy, status string, iterations int) {
	if m == nil || m.runs == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.String("status", status),
	)
	m.runsActive.Add(ctx, -1)
	m.runs.Add(ctx, 1, attrs)
	m.runIterations.Record(ctx, int64(iterations), attrs)
}

// RecordModelCall records one model round trip.
func (m *MetricsCollector) RecordModelCall(ctx context.Context, model, status string, latency time.Duration) {
	if m == nil || m.modelRequests == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	)
	m.modelRequests.Add(ctx, 1, attrs)
	m.modelLatency.Record(ctx, latency.Seconds(), attrs)
}

// RecordToolCall records a tool execution
func (m *MetricsCollector) RecordToolCall(ctx context.Context, toolName, status string, duration time.Duration) {
	if m == nil || m.toolCalls == nil {
		return
	}
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool_name", toolName),
		attribute.String("status", status),
	))
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool_name", toolName)))
}

// RecordModerationViolation counts a rejected input.
func (m *MetricsCollector) RecordModerationViolation(ctx context.Context, rule string) {
	if m == nil || m.moderationViolations == nil {
		return
	}
	m.moderationViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
}

// RecordStreamDrop counts an event that could not be delivered.
func (m *MetricsCollector) RecordStreamDrop(ctx context.Context, eventType string) {
	if m == nil || m.streamDropped == nil {
		return
	}
	m.streamDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("event", eventType)))
}
