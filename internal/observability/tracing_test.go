package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jmylchreest/codecmux/internal/config"
)

func TestTracerProvider_Disabled(t *testing.T) {
	p, err := NewTracerProvider(config.TracingConfig{}, nil)
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "codec.start")
	assert.False(t, span.IsRecording())
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestTracerProvider_InMemory(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	p, err := NewTracerProviderWithExporter(config.TracingConfig{Enabled: true, SampleRate: 1}, exporter)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = NewTracerProvider(config.TracingConfig{}, nil) })

	_, span := StartSpan(context.Background(), "writer.stop", attribute.Int("tracks", 2))
	assert.True(t, span.IsRecording())
	span.End()

	require.NoError(t, p.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "writer.stop", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.Int("tracks", 2))

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestTracerProvider_LogExporter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)

	p, err := NewTracerProvider(config.TracingConfig{Enabled: true, SampleRate: 1}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = NewTracerProvider(config.TracingConfig{}, nil) })

	_, span := StartSpan(context.Background(), "codec.seek", attribute.Int64("time_us", 1000))
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"span":"codec.seek"`)
	assert.Contains(t, buf.String(), `"time_us":"1000"`)
}

func TestTracerProvider_ForceFlushDisabled(t *testing.T) {
	p, err := NewTracerProvider(config.TracingConfig{}, nil)
	require.NoError(t, err)
	assert.NoError(t, p.ForceFlush(context.Background()))
}

func TestTracerProvider_NilExporter(t *testing.T) {
	_, err := NewTracerProviderWithExporter(config.TracingConfig{Enabled: true}, nil)
	assert.Error(t, err)
}
