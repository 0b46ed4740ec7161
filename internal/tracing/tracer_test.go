package tracing

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/orchestrate/internal/config"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(config.TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	// Spans can still be created without error.
	_, span := p.Tracer().Start(context.Background(), "noop.span")
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestFileExporterWritesJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")
	p, err := NewProvider(config.TracingConfig{
		Enabled:  true,
		Exporter: "file",
		FilePath: path,
	})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "agent.spawn",
		trace.WithAttributes(attribute.String("agent.id", "developer-1")))
	span.AddEvent("breakpoint")
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var rec SpanRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, "agent.spawn", rec.Name)
	assert.Equal(t, "developer-1", rec.Attributes["agent.id"])
	require.Len(t, rec.Events, 1)
	assert.Equal(t, "breakpoint", rec.Events[0].Name)
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "kafka"})
	assert.Error(t, err)
}

func TestFileExporterRequiresPath(t *testing.T) {
	_, err := NewProvider(config.TracingConfig{Enabled: true, Exporter: "file"})
	assert.Error(t, err)
}
