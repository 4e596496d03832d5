package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, "citegraphd", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
	assert.Equal(t, 15, cfg.ExportIntervalSeconds)
}

func TestConfigValidate(t *testing.T) {
	t.Run("disabled skips validation", func(t *testing.T) {
		cfg := Config{Enabled: false, SampleRate: 7}
		assert.NoError(t, cfg.Validate())
	})

	t.Run("rejects bad sample rate", func(t *testing.T) {
		cfg := Config{Enabled: true, Endpoint: "localhost:4317", SampleRate: 1.5}
		assert.Error(t, cfg.Validate())
	})

	t.Run("requires endpoint when enabled", func(t *testing.T) {
		cfg := Config{Enabled: true, SampleRate: 1}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "endpoint")
	})
}

func TestSetupDisabledIsNoop(t *testing.T) {
	tel, err := Setup(context.Background(), Config{}, nil)
	require.NoError(t, err)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestShutdownNilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))
}
