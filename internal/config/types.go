// Package config provides configuration loading for citegraphd.
package config

import (
	"fmt"
	"time"

	"github.com/citegraph/citegraphd/internal/logging"
	"github.com/citegraph/citegraphd/internal/telemetry"
)

// Secret is a string that never prints its value. Use Value() to read it.
type Secret string

// String implements fmt.Stringer with redaction.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// MarshalJSON redacts the secret in any serialized output.
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`""`), nil
	}
	return []byte(`"[REDACTED]"`), nil
}

// AnalysisProviderConfig configures one analysis (LLM) backend.
type AnalysisProviderConfig struct {
	// BaseURL is the provider endpoint.
	BaseURL string `koanf:"base_url"`

	// APIKey authenticates requests; empty for local providers.
	APIKey Secret `koanf:"api_key"`

	// Model is the completion model identifier.
	Model string `koanf:"model"`

	// EmbeddingModel is the embedding model identifier.
	EmbeddingModel string `koanf:"embedding_model"`

	// TimeoutSeconds bounds a single request.
	TimeoutSeconds int `koanf:"timeout_seconds"`
}

// ProvidersConfig configures the two external providers.
type ProvidersConfig struct {
	// MetadataBaseURL is the endpoint of the metadata provider.
	MetadataBaseURL string `koanf:"metadata_base_url"`

	// MetadataAPIKey raises the metadata provider's per-second budget.
	MetadataAPIKey Secret `koanf:"metadata_api_key"`

	// MetadataRPS is the metadata token-bucket fill rate.
	MetadataRPS float64 `koanf:"metadata_rps"`

	// MetadataBurst is the metadata token-bucket capacity.
	MetadataBurst int `koanf:"metadata_burst"`

	// AnalysisRPM is the analysis per-minute budget.
	AnalysisRPM float64 `koanf:"analysis_rpm"`

	// AnalysisBurst is the analysis token-bucket capacity.
	AnalysisBurst int `koanf:"analysis_burst"`

	// AnalysisPrimary names the primary analysis provider (gemini, groq, ollama).
	AnalysisPrimary string `koanf:"analysis_primary"`

	// AnalysisFallback names the fallback analysis provider, used only when
	// the primary stays overloaded for longer than FallbackWindowSeconds.
	AnalysisFallback string `koanf:"analysis_fallback"`

	// FallbackWindowSeconds is the overloaded window before switching.
	FallbackWindowSeconds int `koanf:"fallback_window_seconds"`

	// MaxTokenWaitSeconds bounds the wait for a rate-limit token.
	MaxTokenWaitSeconds int `koanf:"max_token_wait_seconds"`

	// MaxAttempts bounds retries for transient provider failures.
	MaxAttempts int `koanf:"max_attempts"`

	// Gemini, Groq and Ollama are the three configured analysis backends.
	Gemini AnalysisProviderConfig `koanf:"gemini"`
	Groq   AnalysisProviderConfig `koanf:"groq"`
	Ollama AnalysisProviderConfig `koanf:"ollama"`
}

// FallbackWindow returns the overloaded window as a duration.
func (c *ProvidersConfig) FallbackWindow() time.Duration {
	return time.Duration(c.FallbackWindowSeconds) * time.Second
}

// MaxTokenWait returns the token wait budget as a duration.
func (c *ProvidersConfig) MaxTokenWait() time.Duration {
	return time.Duration(c.MaxTokenWaitSeconds) * time.Second
}

// PipelineConfig configures the ingestion coordinator.
type PipelineConfig struct {
	// MaxDepth bounds breadth-first expansion from the seeds.
	MaxDepth int `koanf:"max_depth"`

	// MaxPapers bounds total discovered papers; 0 means unbounded.
	MaxPapers int `koanf:"max_papers"`

	// MaxFanoutPerPaper caps neighbors enqueued from a single paper.
	MaxFanoutPerPaper int `koanf:"max_fanout_per_paper"`

	// Worker counts per stage.
	DiscoverWorkers int `koanf:"discover_workers"`
	FetchWorkers    int `koanf:"fetch_workers"`
	AnalyzeWorkers  int `koanf:"analyze_workers"`
	PersistWorkers  int `koanf:"persist_workers"`

	// Bounded queue capacities between stages.
	FetchQueueSize   int `koanf:"fetch_queue_size"`
	AnalyzeQueueSize int `koanf:"analyze_queue_size"`
	PersistQueueSize int `koanf:"persist_queue_size"`

	// CheckpointEveryN writes a checkpoint every N discovered items.
	CheckpointEveryN int `koanf:"checkpoint_every_n"`

	// CheckpointPath is the checkpoint file location.
	CheckpointPath string `koanf:"checkpoint_path"`
}

// StoreConfig configures the two storage backends.
type StoreConfig struct {
	// GraphURI is the graph store location (a SQLite path or file: URI).
	GraphURI string `koanf:"graph_uri"`

	// GraphUser and GraphPassword are accepted for server-backed graph
	// stores; the embedded backend ignores them.
	GraphUser     string `koanf:"graph_user"`
	GraphPassword Secret `koanf:"graph_password"`

	// VectorStorePath is the vector store persistence directory.
	VectorStorePath string `koanf:"vector_store_path"`

	// EmbeddingDim is the fixed embedding dimension D.
	EmbeddingDim int `koanf:"embedding_dim"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":8087".
	Addr string `koanf:"addr"`
}

// Config is the full process configuration.
type Config struct {
	Providers ProvidersConfig  `koanf:"providers"`
	Pipeline  PipelineConfig   `koanf:"pipeline"`
	Store     StoreConfig      `koanf:"store"`
	Server    ServerConfig     `koanf:"server"`
	Logging   logging.Config   `koanf:"logging"`
	Telemetry telemetry.Config `koanf:"telemetry"`
}

// applyDefaults fills unset fields with working defaults.
func applyDefaults(cfg *Config) {
	p := &cfg.Providers
	if p.MetadataBaseURL == "" {
		p.MetadataBaseURL = "https://api.semanticscholar.org/graph/v1"
	}
	if p.MetadataRPS == 0 {
		// Keyless tier. An API key raises this to 10.
		p.MetadataRPS = 1
		if p.MetadataAPIKey != "" {
			p.MetadataRPS = 10
		}
	}
	if p.MetadataBurst == 0 {
		p.MetadataBurst = 5
	}
	if p.AnalysisRPM == 0 {
		p.AnalysisRPM = 60
	}
	if p.AnalysisBurst == 0 {
		p.AnalysisBurst = 4
	}
	if p.AnalysisPrimary == "" {
		p.AnalysisPrimary = "gemini"
	}
	if p.AnalysisFallback == "" {
		p.AnalysisFallback = "ollama"
	}
	if p.FallbackWindowSeconds == 0 {
		p.FallbackWindowSeconds = 60
	}
	if p.MaxTokenWaitSeconds == 0 {
		p.MaxTokenWaitSeconds = 30
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 4
	}
	if p.Ollama.BaseURL == "" {
		p.Ollama.BaseURL = "http://127.0.0.1:11434"
	}

	pl := &cfg.Pipeline
	if pl.MaxDepth == 0 {
		pl.MaxDepth = 1
	}
	if pl.MaxFanoutPerPaper == 0 {
		pl.MaxFanoutPerPaper = 25
	}
	if pl.DiscoverWorkers == 0 {
		pl.DiscoverWorkers = 1
	}
	if pl.FetchWorkers == 0 {
		pl.FetchWorkers = 4
	}
	if pl.AnalyzeWorkers == 0 {
		pl.AnalyzeWorkers = 2
	}
	if pl.PersistWorkers == 0 {
		pl.PersistWorkers = 2
	}
	if pl.FetchQueueSize == 0 {
		pl.FetchQueueSize = 256
	}
	if pl.AnalyzeQueueSize == 0 {
		pl.AnalyzeQueueSize = 64
	}
	if pl.PersistQueueSize == 0 {
		pl.PersistQueueSize = 64
	}
	if pl.CheckpointEveryN == 0 {
		pl.CheckpointEveryN = 500
	}
	if pl.CheckpointPath == "" {
		pl.CheckpointPath = "data/checkpoint.json"
	}

	st := &cfg.Store
	if st.GraphURI == "" {
		st.GraphURI = "data/graph.db"
	}
	if st.VectorStorePath == "" {
		st.VectorStorePath = "data/vectors"
	}
	if st.EmbeddingDim == 0 {
		st.EmbeddingDim = 768
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8087"
	}

	cfg.Logging.ApplyDefaults()
	cfg.Telemetry.ApplyDefaults()
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Providers.MetadataRPS <= 0 {
		return fmt.Errorf("config: providers.metadata_rps must be positive")
	}
	if c.Providers.AnalysisRPM <= 0 {
		return fmt.Errorf("config: providers.analysis_rpm must be positive")
	}
	if c.Providers.MaxAttempts < 1 {
		return fmt.Errorf("config: providers.max_attempts must be at least 1")
	}
	switch c.Providers.AnalysisPrimary {
	case "gemini", "groq", "ollama":
	default:
		return fmt.Errorf("config: unknown analysis_primary %q", c.Providers.AnalysisPrimary)
	}
	switch c.Providers.AnalysisFallback {
	case "", "gemini", "groq", "ollama":
	default:
		return fmt.Errorf("config: unknown analysis_fallback %q", c.Providers.AnalysisFallback)
	}
	if c.Pipeline.MaxDepth < 0 {
		return fmt.Errorf("config: pipeline.max_depth must be nonnegative")
	}
	if c.Pipeline.MaxPapers < 0 {
		return fmt.Errorf("config: pipeline.max_papers must be nonnegative")
	}
	if c.Pipeline.MaxFanoutPerPaper < 1 {
		return fmt.Errorf("config: pipeline.max_fanout_per_paper must be positive")
	}
	if c.Store.EmbeddingDim < 1 {
		return fmt.Errorf("config: store.embedding_dim must be positive")
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return c.Telemetry.Validate()
}

// Redacted returns a copy safe for logs and status output. Secret fields
// already redact themselves; this exists so callers can dump the whole
// struct without thinking about it.
func (c *Config) Redacted() Config {
	out := *c
	if out.Providers.MetadataAPIKey != "" {
		out.Providers.MetadataAPIKey = "[REDACTED]"
	}
	if out.Providers.Gemini.APIKey != "" {
		out.Providers.Gemini.APIKey = "[REDACTED]"
	}
	if out.Providers.Groq.APIKey != "" {
		out.Providers.Groq.APIKey = "[REDACTED]"
	}
	if out.Providers.Ollama.APIKey != "" {
		out.Providers.Ollama.APIKey = "[REDACTED]"
	}
	if out.Store.GraphPassword != "" {
		out.Store.GraphPassword = "[REDACTED]"
	}
	return out
}
