package infra

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/liteclaw/clawgate/internal/config"
)

func TestPaths(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("CLAWGATE_STATE_DIR", filepath.Join(tempDir, ".clawgate"))

	layout := Paths()
	assert.Equal(t, filepath.Join(tempDir, ".clawgate"), layout.StateDir)
	assert.Equal(t, filepath.Join(layout.StateDir, "gateway.pid"), layout.PIDFile)

	require.NoError(t, layout.EnsureDirs())
	assert.DirExists(t, layout.StateDir)
	assert.DirExists(t, layout.LogDir)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "test").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"component":"test"`)
	assert.Contains(t, out, `"message":"shown"`)
}

func TestNewLogger_BadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LoggingConfig{Level: "loud"}, &buf)

	logger.Debug().Msg("debug")
	logger.Info().Msg("info")
	assert.NotContains(t, buf.String(), `"debug"`)
	assert.Contains(t, buf.String(), `"info"`)
}

func TestSetupTracing(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	_, ok := otel.GetTracerProvider().(noop.TracerProvider)
	assert.True(t, ok)

	_, err = SetupTracing(context.Background(), config.TracingConfig{Enabled: true, Exporter: "zipkin"})
	assert.Error(t, err)

	shutdown, err = SetupTracing(context.Background(), config.TracingConfig{Enabled: true, Exporter: "stdout"})
	require.NoError(t, err)
	_, span := StartSpan(context.Background(), "test.span")
	EndSpan(span, nil)
	assert.NoError(t, shutdown(context.Background()))

	otel.SetTracerProvider(noop.NewTracerProvider())
}
