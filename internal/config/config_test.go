package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreRunnable(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "https://api.semanticscholar.org/graph/v1", cfg.Providers.MetadataBaseURL)
	assert.Equal(t, float64(1), cfg.Providers.MetadataRPS)
	assert.Equal(t, "gemini", cfg.Providers.AnalysisPrimary)
	assert.Equal(t, 1, cfg.Pipeline.DiscoverWorkers)
	assert.Equal(t, 500, cfg.Pipeline.CheckpointEveryN)
	assert.Equal(t, 768, cfg.Store.EmbeddingDim)
}

func TestAPIKeyRaisesMetadataBudget(t *testing.T) {
	var cfg Config
	cfg.Providers.MetadataAPIKey = "sk-test"
	applyDefaults(&cfg)
	assert.Equal(t, float64(10), cfg.Providers.MetadataRPS)
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  metadata_rps: 5
  analysis_primary: groq
pipeline:
  max_depth: 2
store:
  embedding_dim: 384
`), 0o600))

	t.Setenv("CITEGRAPHD_PIPELINE_MAX_DEPTH", "3")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, float64(5), cfg.Providers.MetadataRPS)
	assert.Equal(t, "groq", cfg.Providers.AnalysisPrimary)
	assert.Equal(t, 384, cfg.Store.EmbeddingDim)
	// Env wins over file.
	assert.Equal(t, 3, cfg.Pipeline.MaxDepth)
}

func TestLoadRejectsInvalidProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  analysis_primary: watson\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis_primary")
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSecretNeverSerializes(t *testing.T) {
	s := Secret("hunter2")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "hunter2", s.Value())

	out, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
}

func TestRedactedCopy(t *testing.T) {
	cfg := Default()
	cfg.Providers.MetadataAPIKey = "meta-key"
	cfg.Providers.Gemini.APIKey = "gem-key"
	cfg.Store.GraphPassword = "graph-pass"

	red := cfg.Redacted()
	assert.Equal(t, Secret("[REDACTED]"), red.Providers.MetadataAPIKey)
	assert.Equal(t, Secret("[REDACTED]"), red.Providers.Gemini.APIKey)
	assert.Equal(t, Secret("[REDACTED]"), red.Store.GraphPassword)
	// Original untouched.
	assert.Equal(t, Secret("meta-key"), cfg.Providers.MetadataAPIKey)
}
