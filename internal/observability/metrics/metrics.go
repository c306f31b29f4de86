package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments for the webhook pipeline.
type Metrics struct {
	webhooksReceived  metric.Int64Counter
	webhooksValidated metric.Int64Counter
	webhooksProcessed metric.Int64Counter
	webhookRetries    metric.Int64Counter
	deadLetters       metric.Int64Counter
	breakerState      metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "billinghooks"
	}
	meter := provider.Meter(name)

	received, err := meter.Int64Counter("billinghooks_webhooks_received_total")
	if err != nil {
		return nil, err
	}
	validated, err := meter.Int64Counter("billinghooks_webhooks_validated_total")
	if err != nil {
		return nil, err
	}
	processed, err := meter.Int64Counter("billinghooks_webhooks_processed_total")
	if err != nil {
		return nil, err
	}
	retries, err := meter.Int64Counter("billinghooks_webhook_retries_total")
	if err != nil {
		return nil, err
	}
	deadLetters, err := meter.Int64Counter("billinghooks_webhook_dead_letters_total")
	if err != nil {
		return nil, err
	}
	breakerState, err := meter.Int64Counter("billinghooks_breaker_transitions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhooksReceived:  received,
		webhooksValidated: validated,
		webhooksProcessed: processed,
		webhookRetries:    retries,
		deadLetters:       deadLetters,
		breakerState:      breakerState,
	}, nil
}

func (m *Metrics) RecordReceived(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.webhooksReceived.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) RecordValidated(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	m.webhooksValidated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordProcessed(ctx context.Context, eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhooksProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) RecordRetry(ctx context.Context, eventType string, attempt int) {
	if m == nil {
		return
	}
	m.webhookRetries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Int("attempt", attempt),
	))
}

func (m *Metrics) RecordDeadLetter(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) RecordBreakerTransition(ctx context.Context, provider, state string) {
	if m == nil {
		return
	}
	m.breakerState.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("state", state),
	))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "", "grpc":
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}
}
