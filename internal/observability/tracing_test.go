package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/worthit-bot/worthit/internal/config"
)

func TestSetupTracingDisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(config.Config{})
	require.NoError(t, err)
	assert.Nil(t, shutdown)
}

func TestSamplerFollowsEnvironment(t *testing.T) {
	dev := samplerFor(config.Config{AppEnv: "dev"})
	assert.Equal(t, trace.ParentBased(trace.AlwaysSample()).Description(), dev.Description())

	prod := samplerFor(config.Config{AppEnv: "prod"})
	assert.Equal(t, trace.ParentBased(trace.TraceIDRatioBased(prodSampleRatio)).Description(), prod.Description())
}
