// Package vectorstore persists paper embeddings in an embedded chromem-go
// database. Each embedding model gets its own collection, so vectors from
// different models are never compared against each other; switching models
// starts a fresh collection and the pipeline re-embeds into it.
package vectorstore

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/citegraph/citegraphd/internal/model"
)

const instrumentationName = "github.com/citegraph/citegraphd/internal/vectorstore"

var tracer = otel.Tracer(instrumentationName)

// Config holds configuration for the embedded vector database.
type Config struct {
	// Path is the directory for persistent storage.
	Path string

	// Dimension is the required embedding length. Every upserted vector
	// must match it exactly.
	Dimension int

	// ModelID names the embedding model; it keys the collection.
	ModelID string

	// Compress enables gzip compression for stored data.
	Compress bool
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Dimension == 0 {
		c.Dimension = 768
	}
	if c.ModelID == "" {
		c.ModelID = "default"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("vector store path required")
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}
	return nil
}

// Result is one nearest-neighbor hit. Similarity is cosine similarity
// in [-1, 1]; callers normalize for presentation.
type Result struct {
	ID         model.PaperID
	Similarity float32
	Metadata   map[string]string
}

// Store wraps one chromem collection keyed by embedding model id.
type Store struct {
	db         *chromem.DB
	collection *chromem.Collection
	config     Config
	logger     *zap.Logger
}

// Open creates or opens the vector database at cfg.Path and binds the
// collection for cfg.ModelID.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("vectorstore config: %w", err)
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vector store dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(cfg.Path, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	// Embeddings arrive precomputed; the collection must never embed
	// on its own.
	embedFn := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vectorstore: embeddings are computed upstream")
	}

	collection, err := db.GetOrCreateCollection(collectionName(cfg.ModelID), map[string]string{
		"embedding_model": cfg.ModelID,
		"dimension":       strconv.Itoa(cfg.Dimension),
	}, embedFn)
	if err != nil {
		return nil, fmt.Errorf("open collection for model %s: %w", cfg.ModelID, err)
	}

	logger.Info("vector store opened",
		zap.String("path", cfg.Path),
		zap.String("collection", collectionName(cfg.ModelID)),
		zap.Int("documents", collection.Count()))
	return &Store{db: db, collection: collection, config: cfg, logger: logger}, nil
}

// collectionName derives a filesystem-safe collection name from a model id.
func collectionName(modelID string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, modelID)
	return "papers-" + mapped
}

// ModelID reports which embedding model this store's collection holds.
func (s *Store) ModelID() string {
	return s.config.ModelID
}

// Upsert stores the paper's embedding under its id, together with the
// filterable metadata projection (category, year). Replays overwrite.
func (s *Store) Upsert(ctx context.Context, paper model.Paper) error {
	ctx, span := tracer.Start(ctx, "vectorstore.Upsert")
	defer span.End()

	if paper.ID == "" {
		return fmt.Errorf("vectorstore: paper id required")
	}
	if len(paper.Embedding) != s.config.Dimension {
		return fmt.Errorf("vectorstore: embedding for %s has length %d, want %d",
			paper.ID, len(paper.Embedding), s.config.Dimension)
	}

	metadata := map[string]string{"title": paper.Title}
	if c := paper.PrimaryCategory(); c != "" {
		metadata["category"] = c
	}
	if y := paper.Year(); y != 0 {
		metadata["year"] = strconv.Itoa(y)
	}

	doc := chromem.Document{
		ID:        string(paper.ID),
		Metadata:  metadata,
		Embedding: paper.Embedding,
		Content:   strings.TrimSpace(paper.Title + "\n" + paper.Abstract),
	}
	if err := s.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		return fmt.Errorf("upsert embedding %s: %w", paper.ID, err)
	}
	return nil
}

// Get returns the stored embedding for id, or found=false.
func (s *Store) Get(ctx context.Context, id model.PaperID) (embedding []float32, found bool, err error) {
	doc, err := s.collection.GetByID(ctx, string(id))
	if err != nil {
		// chromem reports absence as an error; the adapter treats it
		// as not-found.
		return nil, false, nil
	}
	return doc.Embedding, true, nil
}

// Query returns up to k nearest neighbors of vector, optionally filtered
// by the metadata projection (e.g. {"category": "cs.LG"}).
func (s *Store) Query(ctx context.Context, vector []float32, k int, where map[string]string) ([]Result, error) {
	ctx, span := tracer.Start(ctx, "vectorstore.Query")
	defer span.End()

	if len(vector) != s.config.Dimension {
		return nil, fmt.Errorf("vectorstore: query vector has length %d, want %d",
			len(vector), s.config.Dimension)
	}
	if count := s.collection.Count(); k > count {
		k = count
	}
	if k <= 0 {
		return nil, nil
	}

	hits, err := s.collection.QueryEmbedding(ctx, vector, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, Result{
			ID:         model.PaperID(h.ID),
			Similarity: h.Similarity,
			Metadata:   h.Metadata,
		})
	}
	return out, nil
}

// Delete removes the embedding for id. Deleting an absent id is a no-op.
func (s *Store) Delete(ctx context.Context, id model.PaperID) error {
	if s.collection.Count() == 0 {
		return nil
	}
	if err := s.collection.Delete(ctx, nil, nil, string(id)); err != nil {
		return fmt.Errorf("delete embedding %s: %w", id, err)
	}
	return nil
}

// Count reports how many embeddings the collection holds.
func (s *Store) Count() int {
	return s.collection.Count()
}
