// Package telemetry exports govgate decision counters over OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/ppiankov/govgate"

// Config configures the metric exporter.
type Config struct {
	Enabled      bool          `yaml:"enabled"`
	ServiceName  string        `yaml:"service_name"`
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	Insecure     bool          `yaml:"insecure"`
	Interval     time.Duration `yaml:"interval"`
}

// DefaultConfig returns telemetry disabled with local collector defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		ServiceName:  "govgate",
		OTLPEndpoint: "localhost:4317",
		Insecure:     true,
		Interval:     15 * time.Second,
	}
}

// Provider owns the meter provider and the counters. A nil *Provider is a
// valid no-op recorder.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	logger        *slog.Logger

	verdicts     metric.Int64Counter
	council      metric.Int64Counter
	transactions metric.Int64Counter
	retries      metric.Int64Counter
	failures     metric.Int64Counter
}

// New creates a Provider exporting over OTLP/gRPC. When disabled, counters
// are bound to the global (no-op by default) meter.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	logger := slog.Default().With("component", "telemetry")
	if !cfg.Enabled {
		p := &Provider{logger: logger}
		if err := p.initCounters(otel.Meter(meterName)); err != nil {
			return nil, err
		}
		return p, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	res := resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))
	p, err := NewWithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)), res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(p.meterProvider)
	logger.InfoContext(ctx, "telemetry initialized", "endpoint", cfg.OTLPEndpoint, "interval", interval)
	return p, nil
}

// NewWithReader builds a Provider over an explicit reader.
func NewWithReader(reader sdkmetric.Reader, res *resource.Resource) (*Provider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithReader(reader)}
	if res != nil {
		opts = append(opts, sdkmetric.WithResource(res))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	p := &Provider{
		meterProvider: mp,
		logger:        slog.Default().With("component", "telemetry"),
	}
	if err := p.initCounters(mp.Meter(meterName)); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Provider) initCounters(m metric.Meter) error {
	var err error
	if p.verdicts, err = m.Int64Counter("govgate.verdicts.total",
		metric.WithDescription("Constraint evaluator verdicts"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	if p.council, err = m.Int64Counter("govgate.council.decisions.total",
		metric.WithDescription("Council final decisions"),
		metric.WithUnit("{decision}"),
	); err != nil {
		return err
	}
	if p.transactions, err = m.Int64Counter("govgate.transactions.terminal.total",
		metric.WithDescription("Transactions reaching a terminal state"),
		metric.WithUnit("{transaction}"),
	); err != nil {
		return err
	}
	if p.retries, err = m.Int64Counter("govgate.retries.total",
		metric.WithDescription("Transient failures retried"),
		metric.WithUnit("{retry}"),
	); err != nil {
		return err
	}
	if p.failures, err = m.Int64Counter("govgate.failures.total",
		metric.WithDescription("Failures by component and error kind"),
		metric.WithUnit("{error}"),
	); err != nil {
		return err
	}
	return nil
}

// RecordVerdict counts one evaluator verdict.
func (p *Provider) RecordVerdict(ctx context.Context, verdict string) {
	if p == nil {
		return
	}
	p.verdicts.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", verdict)))
}

// RecordCouncil counts one council decision.
func (p *Provider) RecordCouncil(ctx context.Context, final, escalation string) {
	if p == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("final_decision", final)}
	if escalation != "" {
		attrs = append(attrs, attribute.String("escalation", escalation))
	}
	p.council.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTransaction counts a transaction reaching status.
func (p *Provider) RecordTransaction(ctx context.Context, status string) {
	if p == nil {
		return
	}
	p.transactions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRetry counts a retried transient failure.
func (p *Provider) RecordRetry(ctx context.Context, step string) {
	if p == nil {
		return
	}
	p.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("step", step)))
}

// RecordFailure counts a failure.
func (p *Provider) RecordFailure(ctx context.Context, component, kind string) {
	if p == nil {
		return
	}
	p.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component", component),
		attribute.String("kind", kind),
	))
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		return err
	}
	return nil
}
