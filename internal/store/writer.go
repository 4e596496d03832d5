// Package store combines the graph and vector backends behind one
// writer. Writes always hit the graph first; a vector failure after a
// successful graph write leaves the paper marked embedding-pending and
// is retried by a later pass, which is the only cross-store
// inconsistency the system permits.
package store

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/citegraph/citegraphd/internal/graphstore"
	"github.com/citegraph/citegraphd/internal/model"
)

const instrumentationName = "github.com/citegraph/citegraphd/internal/store"

var tracer = otel.Tracer(instrumentationName)

// VectorStore is the embedding side of the writer.
type VectorStore interface {
	Upsert(ctx context.Context, paper model.Paper) error
	Get(ctx context.Context, id model.PaperID) (embedding []float32, found bool, err error)
	ModelID() string
}

// MentionsOp links a paper to the concepts it mentions.
type MentionsOp struct {
	PaperID  model.PaperID
	Concepts []model.Concept
}

// Op is one write operation. Exactly one field is set.
type Op struct {
	Paper    *model.Paper
	Citation *model.Citation
	Mentions *MentionsOp
}

// Writer applies write operations across both stores.
type Writer struct {
	graph   *graphstore.Store
	vectors VectorStore
	logger  *zap.Logger
}

// NewWriter builds a writer over the two backends.
func NewWriter(graph *graphstore.Store, vectors VectorStore, logger *zap.Logger) (*Writer, error) {
	if graph == nil {
		return nil, fmt.Errorf("store: graph store required")
	}
	if vectors == nil {
		return nil, fmt.Errorf("store: vector store required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{graph: graph, vectors: vectors, logger: logger}, nil
}

// UpsertPaper writes the paper node, then its embedding if present.
func (w *Writer) UpsertPaper(ctx context.Context, p model.Paper) error {
	return w.Batch(ctx, []Op{{Paper: &p}})
}

// EnsureStub creates an id-only paper node if none exists. Used for
// ids that permanently failed to resolve, so edges referencing them
// still have an endpoint.
func (w *Writer) EnsureStub(ctx context.Context, id model.PaperID) error {
	return w.graph.EnsureStub(ctx, id)
}

// UpsertCitation writes the edge, creating stub endpoints as needed.
func (w *Writer) UpsertCitation(ctx context.Context, c model.Citation) error {
	return w.Batch(ctx, []Op{{Citation: &c}})
}

// UpsertConceptMentions writes the concepts and their mention edges.
func (w *Writer) UpsertConceptMentions(ctx context.Context, id model.PaperID, concepts []model.Concept) error {
	return w.Batch(ctx, []Op{{Mentions: &MentionsOp{PaperID: id, Concepts: concepts}}})
}

// Batch applies ops atomically against the graph store, then performs
// the vector writes for any papers carrying embeddings. Graph failure
// fails the batch; a vector failure does not, it marks the paper
// embedding-pending instead.
func (w *Writer) Batch(ctx context.Context, ops []Op) error {
	ctx, span := tracer.Start(ctx, "store.Batch")
	defer span.End()

	err := w.graph.Batch(ctx, func(b *graphstore.Batch) error {
		for _, op := range ops {
			switch {
			case op.Paper != nil:
				if err := b.UpsertPaper(*op.Paper); err != nil {
					return err
				}
			case op.Citation != nil:
				if err := b.UpsertCitation(*op.Citation); err != nil {
					return err
				}
			case op.Mentions != nil:
				if err := b.UpsertConceptMentions(op.Mentions.PaperID, op.Mentions.Concepts); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("graph batch: %w", err)
	}

	for _, op := range ops {
		if op.Paper == nil || len(op.Paper.Embedding) == 0 {
			continue
		}
		w.upsertVector(ctx, *op.Paper)
	}
	return nil
}

func (w *Writer) upsertVector(ctx context.Context, p model.Paper) {
	if err := w.vectors.Upsert(ctx, p); err != nil {
		w.logger.Warn("vector upsert failed, paper left embedding-pending",
			zap.String("paper_id", string(p.ID)), zap.Error(err))
		if markErr := w.graph.MarkEmbeddingPending(ctx, p.ID); markErr != nil {
			w.logger.Error("failed to record pending embedding",
				zap.String("paper_id", string(p.ID)), zap.Error(markErr))
		}
		return
	}
	if err := w.graph.ClearEmbeddingPending(ctx, p.ID); err != nil {
		w.logger.Warn("failed to clear pending embedding marker",
			zap.String("paper_id", string(p.ID)), zap.Error(err))
	}
}

// PendingEmbeddings lists papers whose vector write is still owed.
func (w *Writer) PendingEmbeddings(ctx context.Context) ([]model.PaperID, error) {
	return w.graph.PendingEmbeddings(ctx)
}

// RetryPendingEmbedding re-attempts the vector write for one pending
// paper using a freshly computed embedding.
func (w *Writer) RetryPendingEmbedding(ctx context.Context, id model.PaperID, embedding []float32) error {
	p, found, err := w.graph.GetPaper(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("store: pending embedding for unknown paper %s", id)
	}
	p.Embedding = embedding
	if err := w.vectors.Upsert(ctx, p); err != nil {
		return fmt.Errorf("retry embedding %s: %w", id, err)
	}
	return w.graph.ClearEmbeddingPending(ctx, id)
}

// Graph exposes the graph backend for read paths.
func (w *Writer) Graph() *graphstore.Store {
	return w.graph
}
