package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/eleven-am/goverlay/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap/zaptest"
)

func restoreGlobalTracer(t *testing.T) {
	t.Helper()
	orig := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
}

func TestInitDisabled(t *testing.T) {
	restoreGlobalTracer(t)

	p, err := Init(config.TelemetryConfig{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Nil(t, p.tp)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInitEnabled(t *testing.T) {
	restoreGlobalTracer(t)

	p, err := Init(config.TelemetryConfig{
		Enabled:      true,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "goverlay-test",
		SampleRate:   1,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, p.tp)
	assert.Equal(t, p.tp, otel.GetTracerProvider())

	// nothing listens on the endpoint; shutdown must still return promptly
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = p.Shutdown(ctx)
}

func TestShutdownNilProviders(t *testing.T) {
	var p *Providers
	assert.NoError(t, p.Shutdown(context.Background()))
}
