package analysis

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/provider"
)

const (
	defaultGeminiBaseURL        = "https://generativelanguage.googleapis.com/v1beta"
	defaultGeminiModel          = "gemini-2.0-flash"
	defaultGeminiEmbeddingModel = "text-embedding-004"
)

// geminiClient talks to the Gemini generateContent / embedContent API.
type geminiClient struct {
	config ClientConfig
	http   *http.Client
}

func newGeminiClient(cfg ClientConfig) (Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key required")
	}
	cfg.ApplyDefaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGeminiBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultGeminiEmbeddingModel
	}
	return &geminiClient{
		config: cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (g *geminiClient) Name() string             { return "gemini" }
func (g *geminiClient) ModelID() string          { return g.config.Model }
func (g *geminiClient) EmbeddingModelID() string { return g.config.EmbeddingModel }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiGenerateRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature float64 `json:"temperature"`
	} `json:"generationConfig"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

type geminiEmbedRequest struct {
	Content geminiContent `json:"content"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float64 `json:"values"`
	} `json:"embedding"`
}

// complete runs one prompt through generateContent under the retry policy.
func (g *geminiClient) complete(ctx context.Context, op, system, prompt string) (string, error) {
	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s",
		g.config.BaseURL, url.PathEscape(g.config.Model), url.QueryEscape(g.config.APIKey))

	req := geminiGenerateRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}, Role: "user"}},
	}
	req.GenerationConfig.Temperature = 0.3
	if system != "" {
		req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	return provider.Do(ctx, g.Name(), op, g.config.Retry, func(ctx context.Context) (string, error) {
		var resp geminiGenerateResponse
		if err := postJSON(ctx, g.http, g.Name(), op, endpoint, nil, req, &resp); err != nil {
			return "", err
		}
		if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
			return "", provider.NewError(provider.KindInvalidInput, g.Name(), op, fmt.Errorf("empty response"))
		}
		return resp.Candidates[0].Content.Parts[0].Text, nil
	})
}

func (g *geminiClient) Summarize(ctx context.Context, text string, level SummaryLevel) (string, error) {
	if text == "" {
		return "", provider.NewError(provider.KindInvalidInput, g.Name(), "summarize", fmt.Errorf("empty text"))
	}
	return g.complete(ctx, "summarize", summarySystem, summaryPrompt(text, level))
}

func (g *geminiClient) ExtractEntities(ctx context.Context, text string) ([]model.Concept, error) {
	if text == "" {
		return nil, provider.NewError(provider.KindInvalidInput, g.Name(), "extract_entities", fmt.Errorf("empty text"))
	}
	raw, err := g.complete(ctx, "extract_entities", "", entityPrompt(text))
	if err != nil {
		return nil, err
	}
	concepts, err := parseEntities(raw)
	if err != nil {
		return nil, provider.NewError(provider.KindInvalidInput, g.Name(), "extract_entities", err)
	}
	return concepts, nil
}

func (g *geminiClient) ClassifyCitation(ctx context.Context, citationContext string) (model.EdgeLabel, error) {
	if citationContext == "" {
		return model.EdgeLabel{Intent: model.IntentUnknown, Position: model.PositionOther}, nil
	}
	raw, err := g.complete(ctx, "classify_citation", "", citationPrompt(citationContext))
	if err != nil {
		return model.EdgeLabel{}, err
	}
	label, err := parseEdgeLabel(raw)
	if err != nil {
		return model.EdgeLabel{}, provider.NewError(provider.KindInvalidInput, g.Name(), "classify_citation", err)
	}
	return label, nil
}

func (g *geminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, provider.NewError(provider.KindInvalidInput, g.Name(), "embed", fmt.Errorf("empty text"))
	}
	endpoint := fmt.Sprintf("%s/models/%s:embedContent?key=%s",
		g.config.BaseURL, url.PathEscape(g.config.EmbeddingModel), url.QueryEscape(g.config.APIKey))

	req := geminiEmbedRequest{Content: geminiContent{Parts: []geminiPart{{Text: embedInput(text)}}}}

	return provider.Do(ctx, g.Name(), "embed", g.config.Retry, func(ctx context.Context) ([]float32, error) {
		var resp geminiEmbedResponse
		if err := postJSON(ctx, g.http, g.Name(), "embed", endpoint, nil, req, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embedding.Values) == 0 {
			return nil, provider.NewError(provider.KindInvalidInput, g.Name(), "embed", fmt.Errorf("empty embedding"))
		}
		return toFloat32(resp.Embedding.Values), nil
	})
}

var _ Provider = (*geminiClient)(nil)
