package tracing

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "empty", cfg: Config{}},
		{name: "stdout", cfg: Config{Exporter: ExporterStdout, SampleRatio: 1}},
		{name: "unknown exporter", cfg: Config{Exporter: "jaeger"}, wantErr: true},
		{name: "ratio above one", cfg: Config{Exporter: ExporterStdout, SampleRatio: 1.5}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestInstall_None(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := Install(Config{Exporter: ExporterNone}, "test")
	require.NoError(t, err)
	assert.Equal(t, before, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()))
}

func TestInstall_StdoutWritesSpans(t *testing.T) {
	before := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(before) })

	path := filepath.Join(t.TempDir(), "spans.json")
	shutdown, err := Install(Config{Exporter: ExporterStdout, Output: path, SampleRatio: 1}, "test")
	require.NoError(t, err)

	_, span := otel.Tracer("tracing_test").Start(context.Background(), "stage consent")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "stage consent")
	assert.Contains(t, string(data), "ekaya-combine")
}

func TestNewProvider_SampleRatioZeroDropsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := NewProvider(rec, 0, "test")

	_, span := tp.Tracer("tracing_test").Start(context.Background(), "dropped")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Empty(t, rec.Ended())
}
