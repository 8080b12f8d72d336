package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
)

// Telemetry owns the otel meter provider and the instruments shared by the
// processing and extraction pipelines. Metrics are exported in Prometheus
// format via Handler.
type Telemetry struct {
	Meter    metric.Meter
	registry *prometheus.Registry

	processingRuns     metric.Int64Counter
	processingDuration metric.Float64Histogram
	extractionRuns     metric.Int64Counter
}

func NewTelemetry(logger *zap.Logger) (*Telemetry, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("dsregistry")

	t := &Telemetry{Meter: meter, registry: registry}

	t.processingRuns, err = meter.Int64Counter("dsregistry_processing_runs_total",
		metric.WithDescription("Dataset URL processing runs by outcome"))
	if err != nil {
		return nil, err
	}
	t.processingDuration, err = meter.Float64Histogram("dsregistry_processing_duration_seconds",
		metric.WithDescription("Duration of successful processing runs"))
	if err != nil {
		return nil, err
	}
	t.extractionRuns, err = meter.Int64Counter("dsregistry_extraction_runs_total",
		metric.WithDescription("Metadata extraction runs by status"))
	if err != nil {
		return nil, err
	}

	logger.Info("telemetry initialized")
	return t, nil
}

// Handler exposes the Prometheus scrape endpoint.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// RecordProcessing records one processing run with its outcome
// ("ok", "unreachable", "corrupt", "locked" or "error").
func (t *Telemetry) RecordProcessing(ctx context.Context, outcome string, seconds float64) {
	if t == nil {
		return
	}
	t.processingRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == "ok" {
		t.processingDuration.Record(ctx, seconds)
	}
}

// RecordExtraction records one extraction run with its resulting status.
func (t *Telemetry) RecordExtraction(ctx context.Context, status string) {
	if t == nil {
		return
	}
	t.extractionRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
