// Package telemetry wires OpenTelemetry tracing and metrics for the report
// store and the lifecycle engine. It is off unless CW_OTEL_ENABLED=true.
//
//	CW_OTEL_ENABLED=true                 turn telemetry on
//	CW_OTEL_STDOUT=true                  pretty spans and a metric dump every 15s on stdout
//	OTEL_EXPORTER_OTLP_METRICS_ENDPOINT  OTLP/HTTP metrics target (host:port or URL)
//	OTEL_EXPORTER_OTLP_ENDPOINT          fallback for the above
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const defaultScope = "github.com/caspianwatch/caspianwatch"

// Config selects exporters. The zero value installs no-op providers.
type Config struct {
	Enabled      bool
	Stdout       bool
	OTLPEndpoint string
	Service      string
	Version      string
}

// ConfigFromEnv reads the CW_OTEL_* and OTEL_EXPORTER_OTLP_* variables.
func ConfigFromEnv(service, version string) Config {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	return Config{
		Enabled:      Enabled(),
		Stdout:       os.Getenv("CW_OTEL_STDOUT") == "true",
		OTLPEndpoint: endpoint,
		Service:      service,
		Version:      version,
	}
}

// Enabled reports whether CW_OTEL_ENABLED is "true".
func Enabled() bool {
	return os.Getenv("CW_OTEL_ENABLED") == "true"
}

var (
	mu        sync.Mutex
	shutdowns []func(context.Context) error
)

// Init installs providers configured from the environment.
func Init(ctx context.Context, service, version string) error {
	return Setup(ctx, ConfigFromEnv(service, version))
}

// Setup installs global tracer and meter providers for cfg.
func Setup(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.Service),
			semconv.ServiceVersionKey.String(cfg.Version),
		),
		resource.WithHost(),
	)
	if err != nil {
		return fmt.Errorf("telemetry resource: %w", err)
	}

	var spanOpts []stdouttrace.Option
	if cfg.Stdout {
		spanOpts = append(spanOpts, stdouttrace.WithPrettyPrint())
	}
	spans, err := stdouttrace.New(spanOpts...)
	if err != nil {
		return fmt.Errorf("telemetry span exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(spans),
	)

	readers, err := metricReaders(ctx, cfg)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return err
	}
	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		mopts = append(mopts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	mu.Lock()
	shutdowns = append(shutdowns, tp.Shutdown, mp.Shutdown)
	mu.Unlock()
	return nil
}

func metricReaders(ctx context.Context, cfg Config) ([]sdkmetric.Reader, error) {
	var readers []sdkmetric.Reader
	if cfg.Stdout {
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("telemetry stdout metrics: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)))
	}
	if cfg.OTLPEndpoint != "" {
		exp, err := buildOTLPMetricExporter(ctx, cfg.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("telemetry otlp metrics: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(30*time.Second)))
	}
	return readers, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	if name == "" {
		name = defaultScope
	}
	return otel.Tracer(name)
}

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	if name == "" {
		name = defaultScope
	}
	return otel.Meter(name)
}

// Shutdown flushes and stops every provider installed by Setup.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	fns := shutdowns
	shutdowns = nil
	mu.Unlock()

	var errs []error
	for _, fn := range fns {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}
