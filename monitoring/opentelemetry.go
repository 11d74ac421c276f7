package monitoring

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.uber.org/zap"

	"github.com/relaycore/relaycore"
)

// OpenTelemetryConfig represents OpenTelemetry configuration
type OpenTelemetryConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	Insecure       bool              `yaml:"insecure"`
}

// OpenTelemetryMonitor exports relay metrics over OTLP
type OpenTelemetryMonitor struct {
	config        *OpenTelemetryConfig
	logger        *zap.SugaredLogger
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter

	operationCounter  metric.Int64Counter
	operationDuration metric.Float64Histogram
	retryCounter      metric.Int64Counter
	circuitCounter    metric.Int64Counter
	costCounter       metric.Float64Counter
	savingsCounter    metric.Float64Counter
	errorCounter      metric.Int64Counter
	stabilityGauge    metric.Float64Gauge
}

// NewOpenTelemetryMonitor creates a new OpenTelemetry monitor
func NewOpenTelemetryMonitor(config *OpenTelemetryConfig, logger *zap.SugaredLogger) (*OpenTelemetryMonitor, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("OpenTelemetry endpoint is required")
	}

	monitor := &OpenTelemetryMonitor{
		config: config,
		logger: logger,
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %v", err)
	}

	if err := monitor.initializeMetrics(res); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %v", err)
	}
	return monitor, nil
}

func (o *OpenTelemetryMonitor) initializeMetrics(res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(o.config.Endpoint),
		otlpmetricgrpc.WithHeaders(o.config.Headers),
	}
	if o.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(context.Background(), opts...)
	if err != nil {
		return fmt.Errorf("failed to create OTLP metrics exporter: %v", err)
	}

	o.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
	)
	otel.SetMeterProvider(o.meterProvider)
	o.meter = o.meterProvider.Meter("relaycore")

	return o.createInstruments()
}

func (o *OpenTelemetryMonitor) createInstruments() error {
	var err error

	o.operationCounter, err = o.meter.Int64Counter(
		"relay_operations_total",
		metric.WithDescription("Total number of relayed operations"),
	)
	if err != nil {
		return fmt.Errorf("failed to create operation counter: %v", err)
	}

	o.operationDuration, err = o.meter.Float64Histogram(
		"relay_operation_duration_seconds",
		metric.WithDescription("End to end operation duration in seconds"),
	)
	if err != nil {
		return fmt.Errorf("failed to create duration histogram: %v", err)
	}

	o.retryCounter, err = o.meter.Int64Counter(
		"relay_retries_total",
		metric.WithDescription("Total retry attempts"),
	)
	if err != nil {
		return fmt.Errorf("failed to create retry counter: %v", err)
	}

	o.circuitCounter, err = o.meter.Int64Counter(
		"relay_circuit_transitions_total",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	if err != nil {
		return fmt.Errorf("failed to create circuit counter: %v", err)
	}

	o.costCounter, err = o.meter.Float64Counter(
		"relay_cost_total",
		metric.WithDescription("Total estimated cost of operations"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cost counter: %v", err)
	}

	o.savingsCounter, err = o.meter.Float64Counter(
		"relay_cost_savings_total",
		metric.WithDescription("Total cost savings from route overrides"),
	)
	if err != nil {
		return fmt.Errorf("failed to create savings counter: %v", err)
	}

	o.errorCounter, err = o.meter.Int64Counter(
		"relay_errors_total",
		metric.WithDescription("Total number of errors by kind"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error counter: %v", err)
	}

	o.stabilityGauge, err = o.meter.Float64Gauge(
		"relay_stability_score",
		metric.WithDescription("Current aggregate stability score"),
	)
	if err != nil {
		return fmt.Errorf("failed to create stability gauge: %v", err)
	}
	return nil
}

// RecordOperation records one operation outcome
func (o *OpenTelemetryMonitor) RecordOperation(metrics *OperationMetrics) error {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("route", string(metrics.Route)),
		attribute.String("operation_type", string(metrics.OperationType)),
		attribute.Bool("success", metrics.Success),
	)

	o.operationCounter.Add(ctx, 1, attrs)
	o.operationDuration.Record(ctx, metrics.Duration.Seconds(), attrs)
	if metrics.RetryCount > 0 {
		o.retryCounter.Add(ctx, int64(metrics.RetryCount), attrs)
	}
	if metrics.Cost > 0 {
		o.costCounter.Add(ctx, metrics.Cost, attrs)
	}
	if metrics.Savings > 0 {
		o.savingsCounter.Add(ctx, metrics.Savings, attrs)
	}
	if metrics.ErrorKind != "" {
		o.errorCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", metrics.ErrorKind),
		))
	}
	return nil
}

// RecordCircuitTransition records a circuit breaker state change
func (o *OpenTelemetryMonitor) RecordCircuitTransition(route relaycore.Route, state string) error {
	o.circuitCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("route", string(route)),
		attribute.String("state", state),
	))
	return nil
}

// RecordStabilityScore records the current stability score
func (o *OpenTelemetryMonitor) RecordStabilityScore(score float64) error {
	o.stabilityGauge.Record(context.Background(), score)
	return nil
}

// RecordError records an error occurrence
func (o *OpenTelemetryMonitor) RecordError(kind string, labels map[string]string) error {
	attrs := []attribute.KeyValue{attribute.String("kind", kind)}
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	o.errorCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	return nil
}

// Flush forces a metric export
func (o *OpenTelemetryMonitor) Flush() error {
	if o.meterProvider != nil {
		return o.meterProvider.ForceFlush(context.Background())
	}
	return nil
}

// Close shuts down the meter provider
func (o *OpenTelemetryMonitor) Close() error {
	if o.meterProvider != nil {
		return o.meterProvider.Shutdown(context.Background())
	}
	return nil
}
