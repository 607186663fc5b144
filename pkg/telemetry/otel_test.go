package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestTelemetrySetup(t *testing.T) {
	tel, err := Setup(Options{ServiceName: "copytrade-test", ServiceVersion: "test", ExportTraces: true})
	require.NoError(t, err)

	assert.NotNil(t, otel.GetTracerProvider())
	assert.NotNil(t, otel.GetMeterProvider())
	assert.NotNil(t, GetTracer("test-tracer"))
	assert.NotNil(t, GetMeter("test-meter"))

	// instruments are live after setup
	m := GetGlobalMetrics()
	m.RecordOrderPlaced(context.Background(), "account1", "LIMIT")
	m.RecordBatch(context.Background(), "entry", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(ctx))
	// second shutdown is a no-op
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestMetricsHolder_OpenCounts(t *testing.T) {
	m := GetGlobalMetrics()
	m.SetOpenCounts(3, 7)
	signals, targets := m.GetOpenCounts()
	assert.Equal(t, int64(3), signals)
	assert.Equal(t, int64(7), targets)

	m.SetCircuitBreakerOpen("account2", true)
	assert.Equal(t, int64(1), m.GetCircuitBreakerOpen()["account2"])
}
