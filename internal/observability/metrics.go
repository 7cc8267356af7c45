// Package observability exposes the orchestrator's metrics through an
// OpenTelemetry meter backed by a Prometheus exporter.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"seed/internal/shared/logging"
)

// MetricsConfig configures the collector.
type MetricsConfig struct {
	Enabled        bool `yaml:"enabled" mapstructure:"enabled"`
	PrometheusPort int  `yaml:"prometheusPort" mapstructure:"prometheusPort"`
}

// MetricsCollector records orchestrator metrics. The zero value (and a
// disabled config) is a no-op, so call sites never nil-check.
type MetricsCollector struct {
	logger logging.Logger

	eventsAppended metric.Int64Counter
	toolExecutions metric.Int64Counter
	toolDuration   metric.Float64Histogram
	llmRequests    metric.Int64Counter
	llmTokensIn    metric.Int64Counter
	llmTokensOut   metric.Int64Counter
	llmLatency     metric.Float64Histogram
	activeRuntimes metric.Int64UpDownCounter

	prometheusServer *http.Server
}

// NewMetricsCollector builds the collector and, when a port is configured,
// starts the Prometheus scrape endpoint.
func NewMetricsCollector(config MetricsConfig, logger logging.Logger) (*MetricsCollector, error) {
	collector := &MetricsCollector{logger: logging.OrNop(logger)}
	if !config.Enabled {
		return collector, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("seed")

	if collector.eventsAppended, err = meter.Int64Counter(
		"seed.events.appended.total",
		metric.WithDescription("Events appended to the workspace event log"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, err
	}
	if collector.toolExecutions, err = meter.Int64Counter(
		"seed.tool.executions.total",
		metric.WithDescription("Tool executions"),
		metric.WithUnit("{execution}"),
	); err != nil {
		return nil, err
	}
	if collector.toolDuration, err = meter.Float64Histogram(
		"seed.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if collector.llmRequests, err = meter.Int64Counter(
		"seed.llm.requests.total",
		metric.WithDescription("LLM completion requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if collector.llmTokensIn, err = meter.Int64Counter(
		"seed.llm.tokens.input",
		metric.WithDescription("Prompt tokens sent to the LLM"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}
	if collector.llmTokensOut, err = meter.Int64Counter(
		"seed.llm.tokens.output",
		metric.WithDescription("Completion tokens returned by the LLM"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}
	if collector.llmLatency, err = meter.Float64Histogram(
		"seed.llm.latency",
		metric.WithDescription("LLM request latency in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if collector.activeRuntimes, err = meter.Int64UpDownCounter(
		"seed.runtimes.active",
		metric.WithDescription("Agent runtimes currently executing"),
		metric.WithUnit("{runtime}"),
	); err != nil {
		return nil, err
	}

	if config.PrometheusPort > 0 {
		collector.startPrometheusServer(config.PrometheusPort)
	}
	return collector, nil
}

func (m *MetricsCollector) startPrometheusServer(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promclient.Handler())
	m.prometheusServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		m.logger.Info("Prometheus metrics listening on :%d", port)
		if err := m.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Prometheus server error: %v", err)
		}
	}()
}

// Shutdown stops the scrape endpoint.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m.prometheusServer != nil {
		return m.prometheusServer.Shutdown(ctx)
	}
	return nil
}

// RecordEventsAppended counts a durable append batch.
func (m *MetricsCollector) RecordEventsAppended(n int) {
	if m.eventsAppended == nil {
		return
	}
	m.eventsAppended.Add(context.Background(), int64(n))
}

// ObserveToolExecution implements the executor's Observer.
func (m *MetricsCollector) ObserveToolExecution(toolName string, duration time.Duration, isError bool) {
	if m.toolExecutions == nil {
		return
	}
	status := "ok"
	if isError {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", toolName),
		attribute.String("status", status),
	)
	ctx := context.Background()
	m.toolExecutions.Add(ctx, 1, attrs)
	m.toolDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("tool", toolName)))
}

// RecordLLMRequest counts one completion round.
func (m *MetricsCollector) RecordLLMRequest(model, status string, latency time.Duration, promptTokens, completionTokens int) {
	if m.llmRequests == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("status", status),
	)
	m.llmRequests.Add(ctx, 1, attrs)
	m.llmTokensIn.Add(ctx, int64(promptTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmTokensOut.Add(ctx, int64(completionTokens), metric.WithAttributes(attribute.String("model", model)))
	m.llmLatency.Record(ctx, latency.Seconds(), attrs)
}

// RuntimeStarted implements the runtime manager's Observer.
func (m *MetricsCollector) RuntimeStarted(string) {
	if m.activeRuntimes == nil {
		return
	}
	m.activeRuntimes.Add(context.Background(), 1)
}

// RuntimeStopped implements the runtime manager's Observer.
func (m *MetricsCollector) RuntimeStopped(string) {
	if m.activeRuntimes == nil {
		return
	}
	m.activeRuntimes.Add(context.Background(), -1)
}
