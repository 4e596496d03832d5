package metadata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/provider"
)

const (
	providerName = "metadata"

	instrumentationName = "github.com/citegraph/citegraphd/internal/metadata"

	// pageSize is the edge page size requested from the provider.
	pageSize = 100

	paperFields = "paperId,title,abstract,year,publicationDate,citationCount,authors,externalIds,fieldsOfStudy,tldr"
	edgeFields  = "paperId,title,externalIds,contexts"
)

var tracer = otel.Tracer(instrumentationName)

// arXiv ids: new-style 2401.12345(v2) or old-style math.GT/0309136.
var arxivIDPattern = regexp.MustCompile(`^(\d{4}\.\d{4,5}(v\d+)?|[a-z-]+(\.[A-Z]{2})?/\d{7})$`)

// Config configures the metadata client.
type Config struct {
	// BaseURL is the provider endpoint.
	BaseURL string

	// APIKey raises the per-second budget; empty runs keyless.
	APIKey string

	// RPS and Burst shape the token bucket.
	RPS   float64
	Burst int

	// MaxTokenWait bounds the wait for a rate token.
	MaxTokenWait time.Duration

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// Retry is the backoff policy for transient failures.
	Retry provider.RetryConfig
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.semanticscholar.org/graph/v1"
	}
	if c.RPS == 0 {
		c.RPS = 1
	}
	if c.Burst == 0 {
		c.Burst = 5
	}
	if c.MaxTokenWait == 0 {
		c.MaxTokenWait = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = provider.DefaultRetryConfig()
	}
}

// Client is the HTTP metadata client. All operations go through the shared
// token bucket and retry loop; failures surface as typed provider errors.
type Client struct {
	config  Config
	http    *http.Client
	limiter *provider.Limiter
	logger  *zap.Logger
}

// NewClient creates a metadata client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config:  cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: provider.NewLimiter(providerName, cfg.RPS, cfg.Burst, cfg.MaxTokenWait),
		logger:  logger.Named("metadata"),
	}
}

// GetPaper fetches the metadata record for id.
func (c *Client) GetPaper(ctx context.Context, id model.PaperID) (*Record, error) {
	ctx, span := tracer.Start(ctx, "metadata.get_paper")
	defer span.End()
	span.SetAttributes(attribute.String("paper_id", id))

	if !arxivIDPattern.MatchString(id) {
		err := provider.NewError(provider.KindInvalidID, providerName, "get_paper", fmt.Errorf("malformed id %q", id))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/paper/ARXIV:%s?fields=%s", c.config.BaseURL, url.PathEscape(id), paperFields)
	body, err := provider.Do(ctx, providerName, "get_paper", c.config.Retry, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, "get_paper", endpoint)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var w wirePaper
	if err := decodeStrict(body, &w); err != nil {
		return nil, provider.NewError(provider.KindInvalidInput, providerName, "get_paper", err)
	}
	rec, err := w.toRecord(id)
	if err != nil {
		return nil, provider.NewError(provider.KindInvalidInput, providerName, "get_paper", err)
	}
	return rec, nil
}

// GetReferences fetches one page of outgoing edges starting at cursor.
func (c *Client) GetReferences(ctx context.Context, id model.PaperID, cursor int) (*EdgePage, error) {
	return c.edgePage(ctx, "get_references", id, "references", cursor)
}

// GetCitations fetches one page of incoming edges starting at cursor.
func (c *Client) GetCitations(ctx context.Context, id model.PaperID, cursor int) (*EdgePage, error) {
	return c.edgePage(ctx, "get_citations", id, "citations", cursor)
}

func (c *Client) edgePage(ctx context.Context, op string, id model.PaperID, kind string, cursor int) (*EdgePage, error) {
	ctx, span := tracer.Start(ctx, "metadata."+op)
	defer span.End()
	span.SetAttributes(attribute.String("paper_id", id), attribute.Int("cursor", cursor))

	if !arxivIDPattern.MatchString(id) {
		return nil, provider.NewError(provider.KindInvalidID, providerName, op, fmt.Errorf("malformed id %q", id))
	}
	if cursor < 0 {
		return nil, provider.NewError(provider.KindInvalidInput, providerName, op, fmt.Errorf("negative cursor %d", cursor))
	}

	endpoint := fmt.Sprintf("%s/paper/ARXIV:%s/%s?fields=%s&offset=%d&limit=%d",
		c.config.BaseURL, url.PathEscape(id), kind, edgeFields, cursor, pageSize)

	body, err := provider.Do(ctx, providerName, op, c.config.Retry, func(ctx context.Context) ([]byte, error) {
		return c.get(ctx, op, endpoint)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var w wireEdgePage
	if err := decodeStrict(body, &w); err != nil {
		return nil, provider.NewError(provider.KindInvalidInput, providerName, op, err)
	}

	page := &EdgePage{Next: w.Next}
	for _, e := range w.Data {
		p := e.CitedPaper
		if p == nil {
			p = e.CitingPaper
		}
		if p == nil {
			continue
		}
		ref := EdgeRef{ID: p.arxivID(), Title: p.Title}
		if ref.ID == "" {
			// No arXiv presence upstream; skip rather than invent ids.
			continue
		}
		if len(e.Contexts) > 0 {
			ref.Context = e.Contexts[0]
		}
		page.Edges = append(page.Edges, ref)
	}

	span.SetAttributes(attribute.Int("edge_count", len(page.Edges)))
	return page, nil
}

// get performs one HTTP GET, classifying the outcome into the provider
// error taxonomy. Retrying is the caller's concern.
func (c *Client) get(ctx context.Context, op, endpoint string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, provider.NewError(provider.KindInvalidInput, providerName, op, err)
	}
	if c.config.APIKey != "" {
		req.Header.Set("x-api-key", c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, provider.NewError(provider.KindCancelled, providerName, op, ctx.Err())
		}
		return nil, provider.NewError(provider.KindUnavailable, providerName, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, provider.NewError(provider.KindUnavailable, providerName, op, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, provider.NewError(provider.KindNotFound, providerName, op, fmt.Errorf("404"))
	case resp.StatusCode == http.StatusTooManyRequests:
		pe := provider.NewError(provider.KindRateLimited, providerName, op, fmt.Errorf("429"))
		pe.RetryAfter = retryAfterHint(resp)
		return nil, pe
	case resp.StatusCode >= 500:
		return nil, provider.NewError(provider.KindUnavailable, providerName, op, fmt.Errorf("server error %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, provider.NewError(provider.KindInvalidInput, providerName, op, fmt.Errorf("status %d: %s", resp.StatusCode, body))
	default:
		return nil, provider.NewError(provider.KindUnavailable, providerName, op, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// retryAfterHint parses a Retry-After header in seconds, zero if absent.
func retryAfterHint(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

var _ Provider = (*Client)(nil)
