package analysis

import (
	"context"
	"fmt"
	"net/http"

	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/provider"
)

const (
	defaultOllamaBaseURL        = "http://127.0.0.1:11434"
	defaultOllamaModel          = "llama3.1:8b"
	defaultOllamaEmbeddingModel = "nomic-embed-text"
)

// ollamaClient talks to a local Ollama daemon. It needs no API key and
// serves as the zero-cost fallback backend.
type ollamaClient struct {
	config ClientConfig
	http   *http.Client
}

func newOllamaClient(cfg ClientConfig) (Provider, error) {
	cfg.ApplyDefaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultOllamaEmbeddingModel
	}
	return &ollamaClient{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *ollamaClient) Name() string             { return "ollama" }
func (c *ollamaClient) ModelID() string          { return c.config.Model }
func (c *ollamaClient) EmbeddingModelID() string { return c.config.EmbeddingModel }

type ollamaGenerateRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	System  string `json:"system,omitempty"`
	Stream  bool   `json:"stream"`
	Options struct {
		Temperature float64 `json:"temperature"`
	} `json:"options"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float64 `json:"embedding"`
}

func (c *ollamaClient) complete(ctx context.Context, op, system, prompt string) (string, error) {
	req := ollamaGenerateRequest{
		Model:  c.config.Model,
		Prompt: prompt,
		System: system,
		Stream: false,
	}
	req.Options.Temperature = 0.3

	return provider.Do(ctx, c.Name(), op, c.config.Retry, func(ctx context.Context) (string, error) {
		var resp ollamaGenerateResponse
		if err := postJSON(ctx, c.http, c.Name(), op, c.config.BaseURL+"/api/generate", nil, req, &resp); err != nil {
			return "", err
		}
		if resp.Response == "" {
			return "", provider.NewError(provider.KindInvalidInput, c.Name(), op, fmt.Errorf("empty response"))
		}
		return resp.Response, nil
	})
}

func (c *ollamaClient) Summarize(ctx context.Context, text string, level SummaryLevel) (string, error) {
	if text == "" {
		return "", provider.NewError(provider.KindInvalidInput, c.Name(), "summarize", fmt.Errorf("empty text"))
	}
	return c.complete(ctx, "summarize", summarySystem, summaryPrompt(text, level))
}

func (c *ollamaClient) ExtractEntities(ctx context.Context, text string) ([]model.Concept, error) {
	if text == "" {
		return nil, provider.NewError(provider.KindInvalidInput, c.Name(), "extract_entities", fmt.Errorf("empty text"))
	}
	raw, err := c.complete(ctx, "extract_entities", "", entityPrompt(text))
	if err != nil {
		return nil, err
	}
	concepts, err := parseEntities(raw)
	if err != nil {
		return nil, provider.NewError(provider.KindInvalidInput, c.Name(), "extract_entities", err)
	}
	return concepts, nil
}

func (c *ollamaClient) ClassifyCitation(ctx context.Context, citationContext string) (model.EdgeLabel, error) {
	if citationContext == "" {
		return model.EdgeLabel{Intent: model.IntentUnknown, Position: model.PositionOther}, nil
	}
	raw, err := c.complete(ctx, "classify_citation", "", citationPrompt(citationContext))
	if err != nil {
		return model.EdgeLabel{}, err
	}
	label, err := parseEdgeLabel(raw)
	if err != nil {
		return model.EdgeLabel{}, provider.NewError(provider.KindInvalidInput, c.Name(), "classify_citation", err)
	}
	return label, nil
}

func (c *ollamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, provider.NewError(provider.KindInvalidInput, c.Name(), "embed", fmt.Errorf("empty text"))
	}
	req := ollamaEmbedRequest{Model: c.config.EmbeddingModel, Prompt: embedInput(text)}

	return provider.Do(ctx, c.Name(), "embed", c.config.Retry, func(ctx context.Context) ([]float32, error) {
		var resp ollamaEmbedResponse
		if err := postJSON(ctx, c.http, c.Name(), "embed", c.config.BaseURL+"/api/embeddings", nil, req, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embedding) == 0 {
			return nil, provider.NewError(provider.KindInvalidInput, c.Name(), "embed", fmt.Errorf("empty embedding"))
		}
		return toFloat32(resp.Embedding), nil
	})
}

var _ Provider = (*ollamaClient)(nil)
