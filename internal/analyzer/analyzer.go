// Package analyzer turns a metadata-resolved paper into an enrichment
// record: summary, TLDR, concept set, per-reference citation labels and
// an embedding. Sub-steps fail independently; whatever succeeded is
// emitted, marked partial, so the writer persists what exists and a
// later pass can fill the gaps.
package analyzer

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/citegraph/citegraphd/internal/analysis"
	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/provider"
)

const instrumentationName = "github.com/citegraph/citegraphd/internal/analyzer"

var tracer = otel.Tracer(instrumentationName)

// Reference is one outgoing citation with its context snippet, when the
// metadata provider supplied one.
type Reference struct {
	ID      model.PaperID
	Context string
}

// Options controls which sub-steps run for one paper.
type Options struct {
	// Embed enables the embedding sub-step.
	Embed bool

	// Existing is the stored paper, if any; used to short-circuit
	// sub-steps whose output is already present with an up-to-date
	// model id.
	Existing *model.Paper

	// HasEmbedding reports whether the vector store already holds a
	// vector for this paper.
	HasEmbedding bool

	// UseFullText includes the paper's full text, when present, in the
	// summarization and extraction inputs.
	UseFullText bool
}

// Analyzer runs enrichment through one analysis provider.
type Analyzer struct {
	provider analysis.Provider
	logger   *zap.Logger
}

// New builds an analyzer over the given provider.
func New(p analysis.Provider, logger *zap.Logger) (*Analyzer, error) {
	if p == nil {
		return nil, fmt.Errorf("analyzer: provider required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{provider: p, logger: logger}, nil
}

// Analyze enriches one paper. Every sub-step may fail without failing
// the whole call; the returned enrichment is marked partial in that
// case. Cancellation is honored between sub-steps and aborts the call.
func (a *Analyzer) Analyze(ctx context.Context, paper model.Paper, refs []Reference, opts Options) (model.Enrichment, error) {
	ctx, span := tracer.Start(ctx, "analyzer.Analyze")
	defer span.End()

	enr := model.Enrichment{PaperID: paper.ID}
	if paper.Abstract == "" {
		// Nothing to analyze; stubs pass through untouched.
		enr.Partial = true
		return enr, nil
	}

	if err := a.summarize(ctx, paper, opts, &enr); err != nil {
		return enr, err
	}
	if err := a.extract(ctx, paper, opts, &enr); err != nil {
		return enr, err
	}
	if err := a.classify(ctx, refs, &enr); err != nil {
		return enr, err
	}
	if err := a.embed(ctx, paper, opts, &enr); err != nil {
		return enr, err
	}
	return enr, nil
}

func cancelled(err error) bool {
	return provider.KindOf(err) == provider.KindCancelled
}

func (a *Analyzer) summarize(ctx context.Context, paper model.Paper, opts Options, enr *model.Enrichment) error {
	if err := ctx.Err(); err != nil {
		return provider.NewError(provider.KindCancelled, a.provider.Name(), "summarize", err)
	}

	text := analysisText(paper, opts)
	if opts.Existing != nil && opts.Existing.Summary != "" {
		enr.Summary = opts.Existing.Summary
	} else {
		summary, err := a.provider.Summarize(ctx, text, analysis.LevelStandard)
		if err != nil {
			if cancelled(err) {
				return err
			}
			a.logger.Warn("summarization failed",
				zap.String("paper_id", string(paper.ID)), zap.Error(err))
			enr.Partial = true
		} else {
			enr.Summary = summary
		}
	}

	// The metadata provider sometimes supplies a TLDR already.
	switch {
	case paper.TLDR != "":
		enr.TLDR = paper.TLDR
	case opts.Existing != nil && opts.Existing.TLDR != "":
		enr.TLDR = opts.Existing.TLDR
	default:
		tldr, err := a.provider.Summarize(ctx, text, analysis.LevelBrief)
		if err != nil {
			if cancelled(err) {
				return err
			}
			enr.Partial = true
		} else {
			enr.TLDR = tldr
		}
	}
	return nil
}

func (a *Analyzer) extract(ctx context.Context, paper model.Paper, opts Options, enr *model.Enrichment) error {
	if err := ctx.Err(); err != nil {
		return provider.NewError(provider.KindCancelled, a.provider.Name(), "extract_entities", err)
	}

	text := analysisText(paper, opts)
	concepts, err := a.provider.ExtractEntities(ctx, text)
	if err != nil {
		if cancelled(err) {
			return err
		}
		a.logger.Warn("entity extraction failed, using pattern tier",
			zap.String("paper_id", string(paper.ID)), zap.Error(err))
		enr.Concepts = analysis.ExtractEntitiesHeuristic(text)
		enr.Partial = true
		return nil
	}
	enr.Concepts = concepts
	return nil
}

func (a *Analyzer) classify(ctx context.Context, refs []Reference, enr *model.Enrichment) error {
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return provider.NewError(provider.KindCancelled, a.provider.Name(), "classify_citation", err)
		}
		if ref.Context == "" {
			// No context to classify; the edge keeps its unknown label.
			continue
		}
		label, err := a.provider.ClassifyCitation(ctx, ref.Context)
		if err != nil {
			if cancelled(err) {
				return err
			}
			enr.Partial = true
			continue
		}
		if enr.EdgeLabels == nil {
			enr.EdgeLabels = make(map[model.PaperID]model.EdgeLabel)
		}
		enr.EdgeLabels[ref.ID] = label
	}
	return nil
}

func (a *Analyzer) embed(ctx context.Context, paper model.Paper, opts Options, enr *model.Enrichment) error {
	if !opts.Embed {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return provider.NewError(provider.KindCancelled, a.provider.Name(), "embed", err)
	}

	modelID := a.provider.EmbeddingModelID()
	if opts.HasEmbedding && opts.Existing != nil && opts.Existing.EmbeddingModel == modelID {
		// Up-to-date vector already stored.
		enr.ModelID = modelID
		return nil
	}

	embedding, err := a.provider.Embed(ctx, embedText(paper))
	if err != nil {
		if cancelled(err) {
			return err
		}
		a.logger.Warn("embedding failed",
			zap.String("paper_id", string(paper.ID)), zap.Error(err))
		enr.Partial = true
		return nil
	}
	enr.Embedding = embedding
	enr.ModelID = modelID
	return nil
}

func embedText(p model.Paper) string {
	return strings.TrimSpace(p.Title + "\n\n" + p.Abstract)
}

// analysisText is the summarization and extraction input: the abstract,
// extended by the full text when the caller opted in and one exists.
func analysisText(p model.Paper, opts Options) string {
	if opts.UseFullText && p.FullText != "" {
		return strings.TrimSpace(p.Abstract + "\n\n" + p.FullText)
	}
	return p.Abstract
}

// EmbedPaper computes just the embedding for a paper. Used by the retry
// pass that fills vectors for graph-persisted, embedding-missing papers.
func (a *Analyzer) EmbedPaper(ctx context.Context, paper model.Paper) ([]float32, error) {
	return a.provider.Embed(ctx, embedText(paper))
}

// EmbeddingModelID reports the embedding model the analyzer writes with.
func (a *Analyzer) EmbeddingModelID() string {
	return a.provider.EmbeddingModelID()
}

// Apply folds an enrichment back into the paper record for persistence.
func Apply(paper model.Paper, enr model.Enrichment) model.Paper {
	if enr.Summary != "" {
		paper.Summary = enr.Summary
	}
	if enr.TLDR != "" {
		paper.TLDR = enr.TLDR
	}
	if len(enr.Embedding) > 0 {
		paper.Embedding = enr.Embedding
		paper.EmbeddingModel = enr.ModelID
	}
	return paper
}
