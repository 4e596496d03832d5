package pipeline

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/citegraph/citegraphd/internal/analyzer"
	"github.com/citegraph/citegraphd/internal/frontier"
	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/provider"
	"github.com/citegraph/citegraphd/internal/store"
)

// maxFetchAttempts bounds how often one id is re-queued after the
// client's own retry budget is exhausted on a transient error.
const maxFetchAttempts = 10

// Consecutive-failure thresholds past which a run is declared dead
// instead of grinding against an unreachable backend. A single success
// resets the stage's streak.
const (
	maxPersistFailStreak = 5
	maxFetchFailStreak   = 25
)

// fetchedItem moves from the fetch stage to the analyze stage.
type fetchedItem struct {
	paper model.Paper
	depth int
	refs  []analyzer.Reference
}

// enrichedItem moves from the analyze stage to the persist stage.
type enrichedItem struct {
	paper      model.Paper
	depth      int
	refs       []analyzer.Reference
	enrichment model.Enrichment
}

// execute runs the four stages to completion or cancellation. Channel
// closure cascades stage by stage: discover closes Qa when the frontier
// is exhausted, each pool closes its output once its input drains.
func (c *Coordinator) execute(ctx context.Context, r *run, done chan struct{}) {
	defer close(done)

	qa := make(chan frontier.Item, c.config.QueueDiscovered)
	qb := make(chan fetchedItem, c.config.QueueFetched)
	qc := make(chan enrichedItem, c.config.QueueEnriched)

	var discoverWG, fetchWG, analyzeWG, persistWG sync.WaitGroup

	for i := 0; i < c.config.DiscoverWorkers; i++ {
		discoverWG.Add(1)
		go func() {
			defer discoverWG.Done()
			c.discoverLoop(ctx, r, qa)
		}()
	}
	for i := 0; i < c.config.FetchWorkers; i++ {
		fetchWG.Add(1)
		go func() {
			defer fetchWG.Done()
			c.fetchLoop(ctx, r, qa, qb)
		}()
	}
	for i := 0; i < c.config.AnalyzeWorkers; i++ {
		analyzeWG.Add(1)
		go func() {
			defer analyzeWG.Done()
			c.analyzeLoop(ctx, r, qb, qc)
		}()
	}
	for i := 0; i < c.config.PersistWorkers; i++ {
		persistWG.Add(1)
		go func() {
			defer persistWG.Done()
			c.persistLoop(ctx, r, qc)
		}()
	}

	go func() { discoverWG.Wait(); close(qa) }()
	go func() { fetchWG.Wait(); close(qb) }()
	go func() { analyzeWG.Wait(); close(qc) }()
	persistWG.Wait()

	if r.fatal.Load() {
		// Failed: partial state stays persisted and the checkpoint
		// stays on disk, so a later resume is safe.
		c.saveCheckpoint(r)
		c.setState(StateFailed)
		c.logger.Error("pipeline run failed",
			zap.String("run_id", r.id),
			zap.Int64("persisted", c.persisted.Load()))
		return
	}

	if ctx.Err() != nil {
		// Stopped: snapshot whatever is left so a resume can continue.
		c.saveCheckpoint(r)
		c.setState(StateStopped)
		c.logger.Info("pipeline run stopped",
			zap.String("run_id", r.id),
			zap.Int64("persisted", c.persisted.Load()))
		return
	}

	if r.config.EmbedEnabled {
		c.retryPendingEmbeddings(ctx)
	}
	if c.checkpoints != nil {
		if err := c.checkpoints.Remove(); err != nil {
			c.logger.Warn("failed to remove checkpoint", zap.Error(err))
		}
	}
	c.setState(StateCompleted)
	c.logger.Info("pipeline run completed",
		zap.String("run_id", r.id),
		zap.Int64("discovered", c.discovered.Load()),
		zap.Int64("persisted", c.persisted.Load()))
}

// discoverLoop feeds claimed frontier items into Qa until the frontier
// is exhausted: queue empty with no fetch in flight.
func (c *Coordinator) discoverLoop(ctx context.Context, r *run, qa chan<- frontier.Item) {
	for {
		if ctx.Err() != nil {
			return
		}
		item, ok := r.frontier.Next()
		if !ok {
			if r.pending.Load() == 0 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
			continue
		}
		select {
		case qa <- item:
		case <-ctx.Done():
			r.frontier.Requeue(item)
			return
		}
	}
}

func (c *Coordinator) fetchLoop(ctx context.Context, r *run, qa <-chan frontier.Item, qb chan<- fetchedItem) {
	for item := range qa {
		if ctx.Err() != nil {
			r.frontier.Requeue(item)
			continue
		}
		c.fetchOne(ctx, r, item, qb)
	}
}

func (c *Coordinator) fetchOne(ctx context.Context, r *run, item frontier.Item, qb chan<- fetchedItem) {
	rec, err := c.meta.GetPaper(ctx, item.ID)
	if err != nil {
		if provider.KindOf(err) == provider.KindCancelled {
			r.frontier.Requeue(item)
			return
		}
		c.recordError(ctx, "fetch", item.ID, err)
		if r.fetchFailStreak.Add(1) >= maxFetchFailStreak {
			c.failRun(r, "fetch", err)
		}
		if provider.IsRetryable(err) && item.Attempts+1 < maxFetchAttempts {
			item.Attempts++
			r.frontier.Requeue(item)
			return
		}
		// Permanent failure: the id stays visited so it is never
		// retried within this run. Unresolvable ids get a stub node,
		// so edges pointing at them still land somewhere.
		if provider.KindOf(err) == provider.KindNotFound {
			if stubErr := c.writer.EnsureStub(ctx, item.ID); stubErr != nil {
				c.logger.Warn("stub write for unresolvable id failed",
					zap.String("paper_id", string(item.ID)), zap.Error(stubErr))
			}
		}
		r.pending.Add(-1)
		return
	}
	r.fetchFailStreak.Store(0)

	paper := rec.ToPaper()
	if !r.config.UseMetadata {
		paper.CitationCount = model.CitationUnknown
		paper.TLDR = ""
	}
	c.fetched.Add(1)

	var refs []analyzer.Reference
	if item.Depth < r.config.MaxDepth {
		refs, err = c.fetchReferences(ctx, item.ID)
		if err != nil {
			if provider.KindOf(err) == provider.KindCancelled {
				r.frontier.Requeue(item)
				return
			}
			// Keep the pages that arrived; the paper itself still flows on.
			c.recordError(ctx, "fetch", item.ID, err)
		}

		ids := make([]model.PaperID, 0, len(refs))
		for _, ref := range refs {
			ids = append(ids, ref.ID)
		}
		accepted := r.frontier.EnqueueNeighbors(item.ID, ids, item.Depth)
		r.pending.Add(int64(len(accepted)))
		c.discovered.Add(int64(len(accepted)))

		if n := r.sinceCheckpoint.Add(int64(len(accepted))); n >= int64(c.config.CheckpointEveryN) {
			r.sinceCheckpoint.Store(0)
			c.saveCheckpoint(r)
		}
	}

	select {
	case qb <- fetchedItem{paper: paper, depth: item.Depth, refs: refs}:
		r.pending.Add(-1)
	case <-ctx.Done():
		r.frontier.Requeue(item)
	}
}

func (c *Coordinator) fetchReferences(ctx context.Context, id model.PaperID) ([]analyzer.Reference, error) {
	var out []analyzer.Reference
	cursor := 0
	for {
		page, err := c.meta.GetReferences(ctx, id, cursor)
		if err != nil {
			return out, err
		}
		for _, e := range page.Edges {
			out = append(out, analyzer.Reference{ID: e.ID, Context: e.Context})
		}
		if page.Next == nil {
			return out, nil
		}
		cursor = *page.Next
	}
}

func (c *Coordinator) analyzeLoop(ctx context.Context, r *run, qb <-chan fetchedItem, qc chan<- enrichedItem) {
	for item := range qb {
		if ctx.Err() != nil {
			r.frontier.Requeue(frontier.Item{ID: item.paper.ID, Depth: item.depth})
			continue
		}

		enr := model.Enrichment{PaperID: item.paper.ID}
		if r.config.AnalyzeEnabled && c.enricher != nil && !item.paper.IsStub() {
			opts := analyzer.Options{
				Embed:       r.config.EmbedEnabled,
				UseFullText: r.config.UseFullText,
			}
			if c.graph != nil {
				if existing, found, err := c.graph.GetPaper(ctx, item.paper.ID); err == nil && found {
					opts.Existing = &existing
				}
			}
			if c.vectors != nil {
				if _, found, err := c.vectors.Get(ctx, item.paper.ID); err == nil {
					opts.HasEmbedding = found
				}
			}

			var err error
			enr, err = c.enricher.Analyze(ctx, item.paper, item.refs, opts)
			if err != nil {
				if provider.KindOf(err) == provider.KindCancelled {
					r.frontier.Requeue(frontier.Item{ID: item.paper.ID, Depth: item.depth})
					continue
				}
				c.recordError(ctx, "analyze", item.paper.ID, err)
				enr = model.Enrichment{PaperID: item.paper.ID, Partial: true}
			} else {
				c.analyzed.Add(1)
			}
		}

		select {
		case qc <- enrichedItem{paper: analyzer.Apply(item.paper, enr), depth: item.depth, refs: item.refs, enrichment: enr}:
		case <-ctx.Done():
			r.frontier.Requeue(frontier.Item{ID: item.paper.ID, Depth: item.depth})
		}
	}
}

func (c *Coordinator) persistLoop(ctx context.Context, r *run, qc <-chan enrichedItem) {
	for item := range qc {
		if ctx.Err() != nil {
			r.frontier.Requeue(frontier.Item{ID: item.paper.ID, Depth: item.depth})
			continue
		}

		ops := []store.Op{{Paper: &item.paper}}
		for i := range item.refs {
			ref := item.refs[i]
			if ref.ID == item.paper.ID {
				// A provider glitch; self-loops are never stored.
				continue
			}
			label := item.enrichment.EdgeLabels[ref.ID]
			ops = append(ops, store.Op{Citation: &model.Citation{
				Src:      item.paper.ID,
				Dst:      ref.ID,
				Intent:   label.Intent,
				Position: label.Position,
				Context:  ref.Context,
			}})
		}
		if len(item.enrichment.Concepts) > 0 {
			ops = append(ops, store.Op{Mentions: &store.MentionsOp{
				PaperID:  item.paper.ID,
				Concepts: item.enrichment.Concepts,
			}})
		}

		if err := c.writer.Batch(ctx, ops); err != nil {
			if provider.KindOf(err) == provider.KindCancelled {
				// An in-flight item interrupted by Stop is not an
				// error; it goes back to the queue for the resume.
				r.frontier.Requeue(frontier.Item{ID: item.paper.ID, Depth: item.depth})
				continue
			}
			c.recordError(ctx, "persist", item.paper.ID, err)
			if r.persistFailStreak.Add(1) >= maxPersistFailStreak {
				c.failRun(r, "persist", err)
			}
			continue
		}
		r.persistFailStreak.Store(0)
		c.persisted.Add(1)
		if c.persistedCounter != nil {
			c.persistedCounter.Add(ctx, 1)
		}
	}
}

// retryPendingEmbeddings fills vectors for papers whose graph write
// landed but whose vector write failed.
func (c *Coordinator) retryPendingEmbeddings(ctx context.Context) {
	if c.graph == nil || c.enricher == nil {
		return
	}
	pending, err := c.writer.PendingEmbeddings(ctx)
	if err != nil {
		c.logger.Warn("failed to list pending embeddings", zap.Error(err))
		return
	}
	g := new(errgroup.Group)
	g.SetLimit(c.config.AnalyzeWorkers)
	for _, id := range pending {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			paper, found, err := c.graph.GetPaper(ctx, id)
			if err != nil || !found {
				return nil
			}
			embedding, err := c.enricher.EmbedPaper(ctx, paper)
			if err != nil {
				c.recordError(ctx, "embed_retry", id, err)
				return nil
			}
			if err := c.writer.RetryPendingEmbedding(ctx, id, embedding); err != nil {
				c.recordError(ctx, "embed_retry", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
