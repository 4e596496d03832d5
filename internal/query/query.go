// Package query is the read facade over the two stores: paper lookup,
// listing, semantic and hybrid search, neighborhood traversal and
// cluster listing. All operations are non-mutating and safe to run
// concurrently with an active ingestion run.
package query

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/citegraph/citegraphd/internal/cache"
	"github.com/citegraph/citegraphd/internal/graphstore"
	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/vectorstore"
)

const instrumentationName = "github.com/citegraph/citegraphd/internal/query"

var tracer = otel.Tracer(instrumentationName)

// ErrNotFound is returned when a paper id resolves to nothing.
var ErrNotFound = errors.New("query: paper not found")

// Embedder turns query text into a vector. The analysis selector
// satisfies it; embeddings always come from the primary provider so
// query vectors match the stored collection.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config tunes the facade.
type Config struct {
	// Alpha is the similarity weight in hybrid search; the remainder
	// weighs citation influence.
	Alpha float64

	// EmbedCacheTTL bounds how long a query-text embedding is reused.
	EmbedCacheTTL time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Alpha == 0 {
		c.Alpha = 0.7
	}
	if c.EmbedCacheTTL == 0 {
		c.EmbedCacheTTL = 5 * time.Minute
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Alpha < 0 || c.Alpha > 1 {
		return fmt.Errorf("query config: alpha must be in [0,1], got %v", c.Alpha)
	}
	return nil
}

// PaperDetail is a paper with its concept set and, on request, its
// citation edges.
type PaperDetail struct {
	Paper      model.Paper      `json:"paper"`
	Concepts   []model.Concept  `json:"concepts,omitempty"`
	References []model.Citation `json:"references,omitempty"`
	Citations  []model.Citation `json:"citations,omitempty"`
}

// Page is one page of paper summaries.
type Page struct {
	Papers   []model.Paper `json:"papers"`
	Total    int           `json:"total"`
	Offset   int           `json:"offset"`
	PageSize int           `json:"page_size"`
}

// Hit is one search result with its score in [0, 1].
type Hit struct {
	Paper model.Paper `json:"paper"`
	Score float64     `json:"score"`
}

// Service implements the read operations.
type Service struct {
	config   Config
	graph    *graphstore.Store
	vectors  *vectorstore.Store
	embedder Embedder
	cache    *cache.Cache
	logger   *zap.Logger
}

// New builds the facade. The embedder may be nil, which disables the
// search operations.
func New(cfg Config, graph *graphstore.Store, vectors *vectorstore.Store, embedder Embedder, logger *zap.Logger) (*Service, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if graph == nil {
		return nil, fmt.Errorf("query: graph store required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config:   cfg,
		graph:    graph,
		vectors:  vectors,
		embedder: embedder,
		cache:    cache.New(),
		logger:   logger,
	}, nil
}

// GetPaper returns one paper with its concepts, optionally including
// its outbound and inbound citation edges.
func (s *Service) GetPaper(ctx context.Context, id model.PaperID, includeCitations, includeReferences bool) (PaperDetail, error) {
	ctx, span := tracer.Start(ctx, "query.GetPaper")
	defer span.End()

	paper, found, err := s.graph.GetPaper(ctx, id)
	if err != nil {
		return PaperDetail{}, err
	}
	if !found {
		return PaperDetail{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	detail := PaperDetail{Paper: paper}
	detail.Concepts, err = s.graph.Concepts(ctx, id)
	if err != nil {
		return PaperDetail{}, err
	}
	if includeReferences {
		detail.References, err = s.graph.References(ctx, id)
		if err != nil {
			return PaperDetail{}, err
		}
	}
	if includeCitations {
		detail.Citations, err = s.graph.Citations(ctx, id)
		if err != nil {
			return PaperDetail{}, err
		}
	}
	return detail, nil
}

// ListPapers pages through non-stub papers, optionally filtered by
// category.
func (s *Service) ListPapers(ctx context.Context, offset, pageSize int, category string) (Page, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if offset < 0 {
		offset = 0
	}
	papers, total, err := s.graph.ListPapers(ctx, offset, pageSize, category)
	if err != nil {
		return Page{}, err
	}
	return Page{Papers: papers, Total: total, Offset: offset, PageSize: pageSize}, nil
}

// SemanticSearch embeds the query text once, then ranks papers by
// vector similarity. The optional filter matches the metadata
// projection, e.g. {"category": "cs.LG"}.
func (s *Service) SemanticSearch(ctx context.Context, queryText string, limit int, filter map[string]string) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "query.SemanticSearch")
	defer span.End()

	results, err := s.search(ctx, queryText, limit, filter)
	if err != nil {
		return nil, err
	}
	return s.toHits(ctx, results)
}

// HybridSearch widens the vector search to 3x the limit, then re-scores
// each candidate by a convex combination of similarity and z-normalized
// citation influence, and returns the top limit.
func (s *Service) HybridSearch(ctx context.Context, queryText string, limit int) ([]Hit, error) {
	ctx, span := tracer.Start(ctx, "query.HybridSearch")
	defer span.End()

	if limit <= 0 {
		limit = 10
	}
	results, err := s.search(ctx, queryText, 3*limit, nil)
	if err != nil {
		return nil, err
	}
	hits, err := s.toHits(ctx, results)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	influence := citationInfluence(hits)
	for i := range hits {
		hits[i].Score = s.config.Alpha*hits[i].Score + (1-s.config.Alpha)*influence[i]
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *Service) search(ctx context.Context, queryText string, k int, filter map[string]string) ([]vectorstore.Result, error) {
	if s.embedder == nil || s.vectors == nil {
		return nil, fmt.Errorf("query: search requires an embedder and a vector store")
	}
	if queryText == "" {
		return nil, fmt.Errorf("query: query text required")
	}
	if k <= 0 {
		k = 10
	}

	vec, err := s.queryEmbedding(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.vectors.Query(ctx, vec, k, filter)
}

// queryEmbedding embeds query text, caching briefly so paging through
// the same query does not re-bill the provider.
func (s *Service) queryEmbedding(ctx context.Context, queryText string) ([]float32, error) {
	key := cache.Key("query_embed", s.vectors.ModelID(), queryText)
	v, err := s.cache.GetOrCompute(ctx, key, s.config.EmbedCacheTTL, func(ctx context.Context) (any, error) {
		return s.embedder.Embed(ctx, queryText)
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}

func (s *Service) toHits(ctx context.Context, results []vectorstore.Result) ([]Hit, error) {
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		paper, found, err := s.graph.GetPaper(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if !found {
			// Vector-only orphans violate the store invariant; skip
			// rather than surface a half-record.
			s.logger.Warn("vector hit without graph node", zap.String("paper_id", string(r.ID)))
			continue
		}
		hits = append(hits, Hit{Paper: paper, Score: normalizeSimilarity(r.Similarity)})
	}
	return hits, nil
}

// normalizeSimilarity maps cosine similarity from [-1, 1] to [0, 1].
func normalizeSimilarity(sim float32) float64 {
	score := (float64(sim) + 1) / 2
	return math.Max(0, math.Min(1, score))
}

// citationInfluence z-normalizes the candidates' citation counts and
// squashes them to (0, 1) with a logistic, so the convex sum stays a
// valid score.
func citationInfluence(hits []Hit) []float64 {
	counts := make([]float64, len(hits))
	var sum float64
	for i, h := range hits {
		n := h.Paper.CitationCount
		if n < 0 {
			n = 0
		}
		counts[i] = float64(n)
		sum += counts[i]
	}
	mean := sum / float64(len(counts))

	var variance float64
	for _, c := range counts {
		variance += (c - mean) * (c - mean)
	}
	stddev := math.Sqrt(variance / float64(len(counts)))

	out := make([]float64, len(counts))
	for i, c := range counts {
		if stddev == 0 {
			out[i] = 0.5
			continue
		}
		z := (c - mean) / stddev
		out[i] = 1 / (1 + math.Exp(-z))
	}
	return out
}

// Neighborhood returns the papers and edges within depth hops of id.
func (s *Service) Neighborhood(ctx context.Context, id model.PaperID, depth int) ([]model.Paper, []model.Citation, error) {
	if depth < 0 {
		return nil, nil, fmt.Errorf("query: depth must be nonnegative, got %d", depth)
	}
	nodes, edges, err := s.graph.Neighborhood(ctx, id, depth)
	if err != nil {
		return nil, nil, err
	}
	if nodes == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nodes, edges, nil
}

// Clusters lists communities with at least minSize members, labeled by
// their most common category when one exists.
func (s *Service) Clusters(ctx context.Context, minSize int) ([]graphstore.Cluster, error) {
	ctx, span := tracer.Start(ctx, "query.Clusters")
	defer span.End()

	if minSize <= 0 {
		minSize = 2
	}
	clusters, err := s.graph.Clusters(ctx, minSize)
	if err != nil {
		return nil, err
	}
	for i := range clusters {
		clusters[i].Label = s.clusterLabel(ctx, clusters[i].Members)
	}
	return clusters, nil
}

func (s *Service) clusterLabel(ctx context.Context, members []model.PaperID) string {
	counts := map[string]int{}
	for _, id := range members {
		paper, found, err := s.graph.GetPaper(ctx, id)
		if err != nil || !found {
			continue
		}
		if c := paper.PrimaryCategory(); c != "" {
			counts[c]++
		}
	}
	best, bestCount := "", 0
	for c, n := range counts {
		if n > bestCount || (n == bestCount && c < best) {
			best, bestCount = c, n
		}
	}
	return best
}
