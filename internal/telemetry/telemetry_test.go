package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CW_OTEL_ENABLED", "true")
	t.Setenv("CW_OTEL_STDOUT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")

	cfg := ConfigFromEnv("caspianwatch", "1.2.3")
	assert.True(t, cfg.Enabled)
	assert.False(t, cfg.Stdout)
	assert.Equal(t, "collector:4318", cfg.OTLPEndpoint)

	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "http://mimir:4318/otlp")
	assert.Equal(t, "http://mimir:4318/otlp", ConfigFromEnv("", "").OTLPEndpoint)
}

func TestSetupAndShutdown(t *testing.T) {
	t.Cleanup(func() { _ = Setup(t.Context(), Config{}) })

	require.NoError(t, Setup(t.Context(), Config{}))
	assert.NoError(t, Shutdown(t.Context()))

	require.NoError(t, Setup(t.Context(), Config{Enabled: true, Service: "caspianwatch", Version: "test"}))
	_, span := otel.Tracer("test").Start(t.Context(), "probe")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, Shutdown(t.Context()))
	assert.NoError(t, Shutdown(t.Context()), "second shutdown has nothing left to stop")
}
