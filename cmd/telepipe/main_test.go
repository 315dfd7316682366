package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/ashita-ai/telepipe/internal/config"
	"github.com/ashita-ai/telepipe/internal/telemetry"
)

func resourceVersion(t *testing.T, cfg config.Config) string {
	t.Helper()
	res, err := newResource(context.Background(), cfg)
	require.NoError(t, err)
	v, ok := res.Set().Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	return v.AsString()
}

func TestResourceUsesConfiguredServiceVersion(t *testing.T) {
	t.Setenv("TELEPIPE_SERVICE_VERSION", "2.4.1")
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "2.4.1", resourceVersion(t, cfg))

	res, err := newResource(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "2.4.1", telemetry.ModelResource(res).ServiceVersion)
}

func TestResourceFallsBackToBuildVersion(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, version, resourceVersion(t, cfg))
}
