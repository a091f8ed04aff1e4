package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/agentrun/config"
)

// saveAndRestoreGlobalProviders snapshots the current global OTel providers
// and restores them via t.Cleanup so tests don't leak state.
func saveAndRestoreGlobalProviders(t *testing.T) {
	t.Helper()
	origTP := otel.GetTracerProvider()
	origMP := otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetMeterProvider(origMP)
	})
}

func TestInit_Disabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: false}, "development", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Nil(t, p.tp)
	assert.Nil(t, p.mp)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_Enabled(t *testing.T) {
	saveAndRestoreGlobalProviders(t)

	p, err := Init(context.Background(), config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentrun-test",
		SampleRate:   0.5,
		Insecure:     true,
	}, "preview", zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p.tp)
	require.NotNil(t, p.mp)

	_, tpIsSDK := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	_, mpIsSDK := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	assert.True(t, tpIsSDK)
	assert.True(t, mpIsSDK)

	// 没有 collector 运行，只验证在截止时间内完成且不 panic
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NotPanics(t, func() { _ = p.Shutdown(ctx) })
}

func TestProviders_Shutdown_Nil(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes("", "preview")
	got := map[string]string{}
	for _, kv := range attrs {
		got[string(kv.Key)] = kv.Value.AsString()
	}
	assert.Equal(t, "agentrun", got["service.name"])
	assert.Equal(t, "preview", got["deployment.environment"])
	assert.Equal(t, "dev", got["service.version"])
}

func TestBuildVersion(t *testing.T) {
	assert.Equal(t, "dev", buildVersion())
}
