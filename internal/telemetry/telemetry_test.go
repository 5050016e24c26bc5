package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptloom/promptloom/config"
)

func TestSetupUnconfiguredIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.Default(), nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupStdoutExporter(t *testing.T) {
	cfg := config.Default()
	cfg.TraceStdout = true

	shutdown, err := Setup(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}
