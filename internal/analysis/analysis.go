// Package analysis wraps the LLM analysis providers behind one interface:
// summaries, entity extraction, citation-intent classification and
// embeddings. Three interchangeable backends exist (gemini, groq, ollama);
// a selector routes each call and the analyzer never knows which is in use.
package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/provider"
)

// SummaryLevel selects how much the summarizer compresses.
type SummaryLevel string

const (
	LevelBrief    SummaryLevel = "brief"
	LevelStandard SummaryLevel = "standard"
	LevelDetailed SummaryLevel = "detailed"
)

// Provider is the analysis client contract. Implementations rate-limit,
// retry transient failures internally, and return typed provider errors.
type Provider interface {
	// Name identifies the backend (gemini, groq, ollama).
	Name() string

	// ModelID identifies the completion model, for short-circuit checks.
	ModelID() string

	// EmbeddingModelID identifies the embedding model stored on the
	// vector collection.
	EmbeddingModelID() string

	// Summarize compresses text at the given level.
	Summarize(ctx context.Context, text string, level SummaryLevel) (string, error)

	// ExtractEntities pulls typed concepts out of text.
	ExtractEntities(ctx context.Context, text string) ([]model.Concept, error)

	// ClassifyCitation labels a citation context with intent and position.
	ClassifyCitation(ctx context.Context, citationContext string) (model.EdgeLabel, error)

	// Embed produces a dense vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ClientConfig configures one concrete analysis backend.
type ClientConfig struct {
	// BaseURL is the backend endpoint.
	BaseURL string

	// APIKey authenticates requests; empty for local backends.
	APIKey string

	// Model is the completion model.
	Model string

	// EmbeddingModel is the embedding model.
	EmbeddingModel string

	// Timeout bounds a single request.
	Timeout time.Duration

	// Retry is the backoff policy for transient failures.
	Retry provider.RetryConfig
}

// ApplyDefaults sets default values for unset fields.
func (c *ClientConfig) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = provider.DefaultRetryConfig()
	}
}

// New constructs a concrete backend by name.
func New(name string, cfg ClientConfig) (Provider, error) {
	switch name {
	case "gemini":
		return newGeminiClient(cfg)
	case "groq":
		return newGroqClient(cfg)
	case "ollama":
		return newOllamaClient(cfg)
	default:
		return nil, fmt.Errorf("analysis: unknown provider %q", name)
	}
}
