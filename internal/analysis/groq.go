package analysis

import (
	"context"
	"fmt"
	"net/http"

	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/provider"
)

const (
	defaultGroqBaseURL        = "https://api.groq.com/openai/v1"
	defaultGroqModel          = "llama-3.3-70b-versatile"
	defaultGroqEmbeddingModel = "nomic-embed-text-v1.5"
)

// groqClient talks to an OpenAI-compatible chat/embeddings API.
type groqClient struct {
	config ClientConfig
	http   *http.Client
}

func newGroqClient(cfg ClientConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("groq: API key required")
	}
	cfg.ApplyDefaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGroqBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultGroqModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultGroqEmbeddingModel
	}
	return &groqClient{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *groqClient) Name() string             { return "groq" }
func (c *groqClient) ModelID() string          { return c.config.Model }
func (c *groqClient) EmbeddingModelID() string { return c.config.EmbeddingModel }

func (c *groqClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.config.APIKey}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func (c *groqClient) complete(ctx context.Context, op, system, prompt string) (string, error) {
	req := chatRequest{
		Model:       c.config.Model,
		Temperature: 0.3,
		MaxTokens:   2048,
	}
	if system != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})

	return provider.Do(ctx, c.Name(), op, c.config.Retry, func(ctx context.Context) (string, error) {
		var resp chatResponse
		if err := postJSON(ctx, c.http, c.Name(), op, c.config.BaseURL+"/chat/completions", c.headers(), req, &resp); err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", provider.NewError(provider.KindInvalidInput, c.Name(), op, fmt.Errorf("empty response"))
		}
		return resp.Choices[0].Message.Content, nil
	})
}

func (c *groqClient) Summarize(ctx context.Context, text string, level SummaryLevel) (string, error) {
	if text == "" {
		return "", provider.NewError(provider.KindInvalidInput, c.Name(), "summarize", fmt.Errorf("empty text"))
	}
	return c.complete(ctx, "summarize", summarySystem, summaryPrompt(text, level))
}

func (c *groqClient) ExtractEntities(ctx context.Context, text string) ([]model.Concept, error) {
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

func (c *groqClient) ClassifyCitation(ctx context.Context, citationContext string) (model.EdgeLabel, error) {
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

func (c *groqClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, provider.NewError(provider.KindInvalidInput, c.Name(), "embed", fmt.Errorf("empty text"))
	}
	req := embedRequest{Model: c.config.EmbeddingModel, Input: embedInput(text)}

	return provider.Do(ctx, c.Name(), "embed", c.config.Retry, func(ctx context.Context) ([]float32, error) {
		var resp embedResponse
		if err := postJSON(ctx, c.http, c.Name(), "embed", c.config.BaseURL+"/embeddings", c.headers(), req, &resp); err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return nil, provider.NewError(provider.KindInvalidInput, c.Name(), "embed", fmt.Errorf("empty embedding"))
		}
		return toFloat32(resp.Data[0].Embedding), nil
	})
}

var _ Provider = (*groqClient)(nil)
