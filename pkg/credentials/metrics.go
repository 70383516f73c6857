package credentials

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce    sync.Once
	metricsInitErr error
	collectorInst  *MetricsCollector
)

// MetricsCollector handles credential-specific metrics collection
type MetricsCollector struct {
	// Handle lifecycle metrics
	handlesCreated  metric.Int64Counter
	handlesReleased metric.Int64Counter

	// Composition metrics
	compositions metric.Int64Counter

	// Verification metrics
	verifyDecisions metric.Int64Counter
	verifyDuration  metric.Float64Histogram

	logger *slog.Logger
}

// GetMetricsCollector returns the singleton credential metrics collector
func GetMetricsCollector(logger *slog.Logger) (*MetricsCollector, error) {
	metricsOnce.Do(func() {
		collectorInst, metricsInitErr = newMetricsCollector(logger)
	})
	return collectorInst, metricsInitErr
}

func newMetricsCollector(logger *slog.Logger) (*MetricsCollector, error) {
	if logger == nil {
		logger = slog.Default()
	}

	meter := otel.GetMeterProvider().Meter("channelcreds")

	collector := &MetricsCollector{
		logger: logger,
	}

	var err error

	collector.handlesCreated, err = meter.Int64Counter(
		"credential_handles_created_total",
		metric.WithDescription("Total number of credential handles created"),
		metric.WithUnit("{handle}"),
	)
	if err != nil {
		return nil, err
	}

	collector.handlesReleased, err = meter.Int64Counter(
		"credential_handles_released_total",
		metric.WithDescription("Total number of credential handles released"),
		metric.WithUnit("{handle}"),
	)
	if err != nil {
		return nil, err
	}

	collector.compositions, err = meter.Int64Counter(
		"credential_compositions_total",
		metric.WithDescription("Total number of channel/call credential compositions"),
		metric.WithUnit("{composition}"),
	)
	if err != nil {
		return nil, err
	}

	collector.verifyDecisions, err = meter.Int64Counter(
		"credential_verify_decisions_total",
		metric.WithDescription("Peer verification decisions by verdict and reason"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	collector.verifyDuration, err = meter.Float64Histogram(
		"credential_verify_duration_seconds",
		metric.WithDescription("Time spent dispatching peer verification callbacks"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return collector, nil
}

// RecordHandleCreated records the creation of a credential handle
func (c *MetricsCollector) RecordHandleCreated(ctx context.Context, clientCert bool) {
	c.handlesCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("client_cert", clientCert),
	))
}

// RecordHandleReleased records the release of a credential handle
func (c *MetricsCollector) RecordHandleReleased(ctx context.Context) {
	c.handlesReleased.Add(ctx, 1)
}

// RecordComposition records a composition attempt
func (c *MetricsCollector) RecordComposition(ctx context.Context, steps int, success bool) {
	c.compositions.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("steps", steps),
		attribute.Bool("success", success),
	))
}

// RecordVerifyDecision records one peer verification decision
func (c *MetricsCollector) RecordVerifyDecision(ctx context.Context, verdict int, reason string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.Int("verdict", verdict),
		attribute.String("reason", reason),
	)
	c.verifyDecisions.Add(ctx, 1, attrs)
	c.verifyDuration.Record(ctx, duration.Seconds(), attrs)
}
