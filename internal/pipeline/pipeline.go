// Package pipeline wires discovery, metadata fetch, analysis and
// persistence into a staged dataflow joined by bounded channels. Finite
// queue capacities are the only back-pressure mechanism: slow
// persistence throttles analysis, which throttles discovery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/citegraph/citegraphd/internal/analyzer"
	"github.com/citegraph/citegraphd/internal/checkpoint"
	"github.com/citegraph/citegraphd/internal/frontier"
	"github.com/citegraph/citegraphd/internal/metadata"
	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/provider"
	"github.com/citegraph/citegraphd/internal/store"
)

const instrumentationName = "github.com/citegraph/citegraphd/internal/pipeline"

var (
	// ErrAlreadyRunning is returned by Start while a run is active.
	ErrAlreadyRunning = errors.New("pipeline: a run is already active")

	// ErrNotRunning is returned by Stop when no run is active.
	ErrNotRunning = errors.New("pipeline: no run is active")
)

// State is the lifecycle state of the current (or last) run.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) active() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Enricher is the analysis stage contract. *analyzer.Analyzer satisfies it.
type Enricher interface {
	Analyze(ctx context.Context, paper model.Paper, refs []analyzer.Reference, opts analyzer.Options) (model.Enrichment, error)
	EmbedPaper(ctx context.Context, paper model.Paper) ([]float32, error)
	EmbeddingModelID() string
}

// Persister is the write-side contract. *store.Writer satisfies it.
type Persister interface {
	Batch(ctx context.Context, ops []store.Op) error
	EnsureStub(ctx context.Context, id model.PaperID) error
	PendingEmbeddings(ctx context.Context) ([]model.PaperID, error)
	RetryPendingEmbedding(ctx context.Context, id model.PaperID, embedding []float32) error
}

// GraphReader is the read access the coordinator needs for resume and
// analyzer short-circuiting. *graphstore.Store satisfies it.
type GraphReader interface {
	PaperIDs(ctx context.Context) ([]model.PaperID, error)
	GetPaper(ctx context.Context, id model.PaperID) (model.Paper, bool, error)
}

// VectorReader reports whether a paper already has a stored embedding.
type VectorReader interface {
	Get(ctx context.Context, id model.PaperID) (embedding []float32, found bool, err error)
}

// Config sizes the worker pools and queues.
type Config struct {
	DiscoverWorkers int
	FetchWorkers    int
	AnalyzeWorkers  int
	PersistWorkers  int

	QueueDiscovered int
	QueueFetched    int
	QueueEnriched   int

	// CheckpointEveryN triggers a checkpoint write after that many
	// newly discovered papers.
	CheckpointEveryN int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.DiscoverWorkers == 0 {
		c.DiscoverWorkers = 1
	}
	if c.FetchWorkers == 0 {
		c.FetchWorkers = 4
	}
	if c.AnalyzeWorkers == 0 {
		c.AnalyzeWorkers = 2
	}
	if c.PersistWorkers == 0 {
		c.PersistWorkers = 2
	}
	if c.QueueDiscovered == 0 {
		c.QueueDiscovered = 256
	}
	if c.QueueFetched == 0 {
		c.QueueFetched = 64
	}
	if c.QueueEnriched == 0 {
		c.QueueEnriched = 64
	}
	if c.CheckpointEveryN == 0 {
		c.CheckpointEveryN = 500
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	for name, v := range map[string]int{
		"discover workers": c.DiscoverWorkers,
		"fetch workers":    c.FetchWorkers,
		"analyze workers":  c.AnalyzeWorkers,
		"persist workers":  c.PersistWorkers,
		"discovered queue": c.QueueDiscovered,
		"fetched queue":    c.QueueFetched,
		"enriched queue":   c.QueueEnriched,
		"checkpoint every": c.CheckpointEveryN,
	} {
		if v <= 0 {
			return fmt.Errorf("pipeline config: %s must be positive, got %d", name, v)
		}
	}
	return nil
}

// RunConfig is the per-run configuration passed to Start.
type RunConfig struct {
	Seeds             []model.PaperID
	MaxDepth          int
	MaxPapers         int
	MaxFanoutPerPaper int
	AnalyzeEnabled    bool
	EmbedEnabled      bool

	// UseMetadata keeps the provider's enrichment fields (citation
	// counts, provider TLDRs) on fetched records. When false, only the
	// core bibliographic fields flow on.
	UseMetadata bool

	// UseFullText feeds stored full text into the analysis sub-steps.
	UseFullText bool

	// Resume restores the queue from the checkpoint file and the
	// visited set from the graph store before seeding.
	Resume bool
}

func (rc RunConfig) settings() checkpoint.RunSettings {
	return checkpoint.RunSettings{
		Seeds:             rc.Seeds,
		MaxDepth:          rc.MaxDepth,
		MaxPapers:         rc.MaxPapers,
		MaxFanoutPerPaper: rc.MaxFanoutPerPaper,
		AnalyzeEnabled:    rc.AnalyzeEnabled,
		EmbedEnabled:      rc.EmbedEnabled,
		UseMetadata:       rc.UseMetadata,
		UseFullText:       rc.UseFullText,
	}
}

// ItemError records one per-item failure for the status surface.
type ItemError struct {
	PaperID model.PaperID `json:"paper_id"`
	Stage   string        `json:"stage"`
	Kind    string        `json:"kind"`
	Message string        `json:"message"`
}

const maxItemErrors = 100

// Status is a point-in-time snapshot of the run.
type Status struct {
	State        State            `json:"state"`
	Running      bool             `json:"running"`
	RunID        string           `json:"run_id,omitempty"`
	Discovered   int64            `json:"discovered"`
	Fetched      int64            `json:"fetched"`
	Analyzed     int64            `json:"analyzed"`
	Persisted    int64            `json:"persisted"`
	// Progress is persisted over discovered, in percent.
	Progress     float64          `json:"progress_percentage"`
	ErrorsByKind map[string]int64 `json:"errors_by_kind,omitempty"`
	RecentErrors []ItemError      `json:"recent_errors,omitempty"`
	StartedAt    time.Time        `json:"started_at,omitzero"`
	ETA          time.Duration    `json:"eta,omitempty"`
}

// Coordinator owns one run at a time. All external provider and store
// handles are injected; the coordinator holds no global state.
type Coordinator struct {
	config      Config
	meta        metadata.Provider
	enricher    Enricher
	writer      Persister
	graph       GraphReader
	vectors     VectorReader
	checkpoints *checkpoint.Store
	logger      *zap.Logger

	errorCounter     metric.Int64Counter
	persistedCounter metric.Int64Counter

	mu        sync.Mutex
	state     State
	runID     string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	discovered atomic.Int64
	fetched    atomic.Int64
	analyzed   atomic.Int64
	persisted  atomic.Int64

	errMu        sync.Mutex
	errorsByKind map[string]int64
	recentErrors []ItemError
}

// New builds a coordinator. The checkpoint store may be nil, which
// disables checkpointing and resume.
func New(cfg Config, meta metadata.Provider, enricher Enricher, writer Persister,
	graph GraphReader, vectors VectorReader, checkpoints *checkpoint.Store, logger *zap.Logger) (*Coordinator, error) {

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("pipeline: metadata provider required")
	}
	if writer == nil {
		return nil, fmt.Errorf("pipeline: store writer required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		config:       cfg,
		meta:         meta,
		enricher:     enricher,
		writer:       writer,
		graph:        graph,
		vectors:      vectors,
		checkpoints:  checkpoints,
		logger:       logger,
		state:        StateIdle,
		errorsByKind: make(map[string]int64),
	}

	meter := otel.Meter(instrumentationName)
	var err error
	c.errorCounter, err = meter.Int64Counter(
		"citegraphd.pipeline.errors_total",
		metric.WithDescription("Per-item pipeline errors by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		logger.Warn("failed to create error counter", zap.Error(err))
	}
	c.persistedCounter, err = meter.Int64Counter(
		"citegraphd.pipeline.papers_persisted_total",
		metric.WithDescription("Papers persisted to the graph store"),
		metric.WithUnit("{paper}"),
	)
	if err != nil {
		logger.Warn("failed to create persisted counter", zap.Error(err))
	}
	return c, nil
}

// Start launches a run. It returns once the run is admitted; the run
// itself proceeds in the background until Completed, Stopped or Failed.
func (c *Coordinator) Start(ctx context.Context, rc RunConfig) (string, error) {
	c.mu.Lock()
	if c.state.active() {
		c.mu.Unlock()
		return "", ErrAlreadyRunning
	}
	c.state = StateStarting
	c.startedAt = time.Now()
	c.discovered.Store(0)
	c.fetched.Store(0)
	c.analyzed.Store(0)
	c.persisted.Store(0)
	c.errMu.Lock()
	c.errorsByKind = make(map[string]int64)
	c.recentErrors = nil
	c.errMu.Unlock()
	c.mu.Unlock()

	run, err := c.prepareRun(ctx, rc)
	if err != nil {
		c.setState(StateFailed)
		return "", err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	c.mu.Lock()
	c.runID = run.id
	c.cancel = cancel
	c.done = done
	c.state = StateRunning
	c.mu.Unlock()

	c.logger.Info("pipeline run started",
		zap.String("run_id", run.id),
		zap.Int("seeds", len(rc.Seeds)),
		zap.Int("max_depth", rc.MaxDepth),
		zap.Bool("resume", rc.Resume))

	go c.execute(runCtx, run, done)
	return run.id, nil
}

// run is the per-run mutable state shared by the stages.
type run struct {
	id       string
	config   RunConfig
	frontier *frontier.Frontier

	// pending counts claimed ids whose fetch has not finished yet;
	// the discover stage is exhausted when it reaches zero with an
	// empty queue.
	pending atomic.Int64

	// sinceCheckpoint counts discoveries since the last snapshot.
	sinceCheckpoint atomic.Int64

	// fatal is set once consecutive backend failures cross a stage's
	// threshold; the run then cancels itself and lands in StateFailed.
	fatal atomic.Bool

	persistFailStreak atomic.Int64
	fetchFailStreak   atomic.Int64
}

func (c *Coordinator) prepareRun(ctx context.Context, rc RunConfig) (*run, error) {
	f, err := frontier.New(frontier.Config{
		MaxDepth:          rc.MaxDepth,
		MaxPapers:         rc.MaxPapers,
		MaxFanoutPerPaper: rc.MaxFanoutPerPaper,
	})
	if err != nil {
		return nil, err
	}

	r := &run{id: checkpoint.NewRunID(), config: rc, frontier: f}

	if rc.Resume {
		if c.checkpoints == nil {
			return nil, fmt.Errorf("pipeline: resume requested without a checkpoint store")
		}
		snap, found, err := c.checkpoints.Load()
		if err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
		if found {
			r.id = snap.RunID
			// Restore the queue before marking store ids visited:
			// queued ids often already exist as stubs and must not be
			// claimed away from the queue.
			restored := f.Restore(snap.Queue)
			if c.graph != nil {
				ids, err := c.graph.PaperIDs(ctx)
				if err != nil {
					return nil, fmt.Errorf("seed visited set from store: %w", err)
				}
				f.MarkVisited(ids)
			}
			r.pending.Add(int64(restored))
			c.discovered.Add(int64(restored))
			c.logger.Info("resumed from checkpoint",
				zap.String("run_id", snap.RunID),
				zap.Int("restored", restored))
		}
	}

	seeded := f.Seed(rc.Seeds)
	r.pending.Add(int64(seeded))
	c.discovered.Add(int64(seeded))

	if f.QueueLen() == 0 {
		return nil, fmt.Errorf("pipeline: nothing to do, all seeds already visited")
	}
	return r, nil
}

// Stop requests cooperative cancellation and blocks until every worker
// has quiesced.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.active() {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.state = StateStopping
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a snapshot of the current run's progress.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		State:     c.state,
		Running:   c.state.active(),
		RunID:     c.runID,
		StartedAt: c.startedAt,
	}
	c.mu.Unlock()

	st.Discovered = c.discovered.Load()
	st.Fetched = c.fetched.Load()
	st.Analyzed = c.analyzed.Load()
	st.Persisted = c.persisted.Load()

	c.errMu.Lock()
	if len(c.errorsByKind) > 0 {
		st.ErrorsByKind = make(map[string]int64, len(c.errorsByKind))
		for k, v := range c.errorsByKind {
			st.ErrorsByKind[k] = v
		}
	}
	st.RecentErrors = append([]ItemError(nil), c.recentErrors...)
	c.errMu.Unlock()

	if st.Discovered > 0 {
		st.Progress = float64(st.Persisted) / float64(st.Discovered) * 100
	}
	if st.State == StateCompleted || st.Progress > 100 {
		st.Progress = 100
	}

	if st.Running && st.Persisted > 0 {
		elapsed := time.Since(st.StartedAt)
		rate := float64(st.Persisted) / elapsed.Seconds()
		if remaining := st.Discovered - st.Persisted; remaining > 0 && rate > 0 {
			st.ETA = time.Duration(float64(remaining)/rate) * time.Second
		}
	}
	return st
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// failRun marks the run dead and cancels it. First caller wins; the
// stages then quiesce and execute lands in StateFailed.
func (c *Coordinator) failRun(r *run, stage string, err error) {
	if r.fatal.Swap(true) {
		return
	}
	c.logger.Error("aborting run after sustained backend failures",
		zap.String("run_id", r.id),
		zap.String("stage", stage),
		zap.Error(err))

	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Coordinator) recordError(ctx context.Context, stage string, id model.PaperID, err error) {
	kind := string(provider.KindOf(err))

	c.errMu.Lock()
	c.errorsByKind[kind]++
	if len(c.recentErrors) < maxItemErrors {
		c.recentErrors = append(c.recentErrors, ItemError{
			PaperID: id,
			Stage:   stage,
			Kind:    kind,
			Message: err.Error(),
		})
	}
	c.errMu.Unlock()

	if c.errorCounter != nil {
		c.errorCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("stage", stage),
				attribute.String("kind", kind)))
	}
	c.logger.Debug("pipeline item error",
		zap.String("stage", stage),
		zap.String("paper_id", string(id)),
		zap.String("kind", kind),
		zap.Error(err))
}

func (c *Coordinator) saveCheckpoint(r *run) {
	if c.checkpoints == nil {
		return
	}
	snap := checkpoint.Snapshot{
		RunID:    r.id,
		Settings: r.config.settings(),
		Queue:    r.frontier.Snapshot(),
	}
	if err := c.checkpoints.Save(snap); err != nil {
		c.logger.Warn("checkpoint save failed", zap.Error(err))
	}
}
