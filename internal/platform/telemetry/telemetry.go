// Package telemetry exports queue metrics over OTLP/gRPC.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/runqueue/internal/platform/env"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/animus-labs/runqueue"

type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	Interval    time.Duration
}

func ConfigFromEnv(service string) (Config, error) {
	insecure, err := env.Bool("OTEL_EXPORTER_OTLP_INSECURE", true)
	if err != nil {
		return Config{}, err
	}
	interval, err := env.Duration("RUNQUEUE_METRICS_INTERVAL", 15*time.Second)
	if err != nil {
		return Config{}, err
	}
	endpoint := strings.TrimSpace(env.String("OTEL_EXPORTER_OTLP_ENDPOINT", ""))
	cfg := Config{
		Enabled:     endpoint != "",
		Endpoint:    strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://"),
		Insecure:    insecure,
		ServiceName: env.String("OTEL_SERVICE_NAME", service),
		Interval:    interval,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return errors.New("OTEL_EXPORTER_OTLP_ENDPOINT is required")
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		return errors.New("OTEL_SERVICE_NAME is required")
	}
	if c.Interval <= 0 {
		return errors.New("RUNQUEUE_METRICS_INTERVAL must be positive")
	}
	return nil
}

// Setup installs the global meter provider. The returned shutdown flushes
// pending exports; it is a no-op when telemetry is disabled.
func Setup(ctx context.Context, logger *slog.Logger, cfg Config) (metric.MeterProvider, func(context.Context) error, error) {
	if !cfg.Enabled {
		logger.Info("metrics export disabled")
		return noop.NewMeterProvider(), func(context.Context) error { return nil }, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.Interval))),
	)
	otel.SetMeterProvider(provider)
	logger.Info("metrics export enabled", "endpoint", cfg.Endpoint, "interval", cfg.Interval.String())
	return provider, provider.Shutdown, nil
}
