package otel

import (
	"context"
	"fmt"

	otel "go.opentelemetry.io/otel"
	attribute "go.opentelemetry.io/otel/attribute"
	prometheus "go.opentelemetry.io/otel/exporters/prometheus"
	metric "go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	resource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
	zap "go.uber.org/zap"
)

// OpenTelemetry defines the operations for telemetry
type OpenTelemetry interface {
	// Application level metrics
	RecordResponseStatus(ctx context.Context, method, path string, statusCode int)
	RecordRequestDuration(ctx context.Context, method, path string, durationMs float64)
	RecordTaskCreated(ctx context.Context)
	RecordTaskFinished(ctx context.Context, state string)
	RecordStatusTransition(ctx context.Context, status string)
	RecordWebhookDelivery(ctx context.Context, event string, success bool)

	// Shutdown the telemetry system
	ShutDown(ctx context.Context) error
}

type OpenTelemetryImpl struct {
	logger        *zap.Logger
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	// Metrics
	responseStatusCounter    metric.Int64Counter
	requestDurationHistogram metric.Float64Histogram
	taskCreatedCounter       metric.Int64Counter
	taskFinishedCounter      metric.Int64Counter
	statusTransitionCounter  metric.Int64Counter
	webhookDeliveryCounter   metric.Int64Counter
}

// NewOpenTelemetry creates a new OpenTelemetry implementation serving
// prometheus metrics for one wrapper.
func NewOpenTelemetry(agentID, version string, logger *zap.Logger) (OpenTelemetry, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	o := &OpenTelemetryImpl{
		logger: logger,
	}

	if err := o.initialize(agentID, version); err != nil {
		return nil, fmt.Errorf("failed to initialize opentelemetry: %w", err)
	}

	return o, nil
}

func (o *OpenTelemetryImpl) initialize(agentID, version string) error {
	o.logger.Info("initializing opentelemetry",
		zap.String("agent_id", agentID),
		zap.String("version", version))

	exporter, err := prometheus.New()
	if err != nil {
		o.logger.Error("failed to create prometheus exporter", zap.Error(err))
		return err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(agentID),
		semconv.ServiceVersion(version),
	)

	histogramBoundaries := []float64{1, 5, 10, 25, 50, 75, 100, 250, 500, 750, 1000, 2500, 5000, 7500, 10000}

	latencyView := sdkmetric.NewView(
		sdkmetric.Instrument{
			Kind: sdkmetric.InstrumentKindHistogram,
		},
		sdkmetric.Stream{
			Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: histogramBoundaries,
			},
		},
	)

	o.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
		sdkmetric.WithView(latencyView),
	)
	otel.SetMeterProvider(o.meterProvider)

	o.meter = o.meterProvider.Meter(agentID)

	if err := o.initializeMetrics(); err != nil {
		o.logger.Error("failed to initialize metrics", zap.Error(err))
		return err
	}

	o.logger.Info("opentelemetry initialized successfully")
	return nil
}

func (o *OpenTelemetryImpl) RecordResponseStatus(ctx context.Context, method, path string, statusCode int) {
	o.responseStatusCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("request_method", method),
		attribute.String("request_path", path),
		attribute.Int("status_code", statusCode),
	))
}

func (o *OpenTelemetryImpl) RecordRequestDuration(ctx context.Context, method, path string, durationMs float64) {
	o.requestDurationHistogram.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("request_method", method),
		attribute.String("request_path", path),
	))
}

func (o *OpenTelemetryImpl) RecordTaskCreated(ctx context.Context) {
	o.taskCreatedCounter.Add(ctx, 1)
}

func (o *OpenTelemetryImpl) RecordTaskFinished(ctx context.Context, state string) {
	o.taskFinishedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("state", state),
	))
}

func (o *OpenTelemetryImpl) RecordStatusTransition(ctx context.Context, status string) {
	o.statusTransitionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

func (o *OpenTelemetryImpl) RecordWebhookDelivery(ctx context.Context, event string, success bool) {
	o.webhookDeliveryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event", event),
		attribute.Bool("success", success),
	))
}

func (o *OpenTelemetryImpl) ShutDown(ctx context.Context) error {
	return o.meterProvider.Shutdown(ctx)
}

// initializeMetrics initializes all the OpenTelemetry metrics
func (o *OpenTelemetryImpl) initializeMetrics() error {
	var err error

	o.responseStatusCounter, err = o.meter.Int64Counter(
		"a2a.response_status.total",
		metric.WithDescription("Total number of responses by status code"),
		metric.WithUnit("{response}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create response status counter: %w", err)
	}

	o.requestDurationHistogram, err = o.meter.Float64Histogram(
		"a2a.request_duration",
		metric.WithDescription("Duration of A2A request processing"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create request duration histogram: %w", err)
	}

	o.taskCreatedCounter, err = o.meter.Int64Counter(
		"a2a.tasks_created.total",
		metric.WithDescription("Total number of A2A tasks created"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create task created counter: %w", err)
	}

	o.taskFinishedCounter, err = o.meter.Int64Counter(
		"a2a.tasks_finished.total",
		metric.WithDescription("Total number of A2A tasks reaching a terminal state"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create task finished counter: %w", err)
	}

	o.statusTransitionCounter, err = o.meter.Int64Counter(
		"a2a.agent_status_transitions.total",
		metric.WithDescription("Total number of agent status transitions observed"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create status transition counter: %w", err)
	}

	o.webhookDeliveryCounter, err = o.meter.Int64Counter(
		"a2a.webhook_deliveries.total",
		metric.WithDescription("Total number of webhook delivery attempts"),
		metric.WithUnit("{delivery}"),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook delivery counter: %w", err)
	}

	return nil
}
