package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/citegraph/citegraphd/internal/analysis"
	"github.com/citegraph/citegraphd/internal/analyzer"
	"github.com/citegraph/citegraphd/internal/checkpoint"
	"github.com/citegraph/citegraphd/internal/config"
	"github.com/citegraph/citegraphd/internal/graphstore"
	"github.com/citegraph/citegraphd/internal/logging"
	"github.com/citegraph/citegraphd/internal/metadata"
	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/pipeline"
	"github.com/citegraph/citegraphd/internal/provider"
	"github.com/citegraph/citegraphd/internal/query"
	"github.com/citegraph/citegraphd/internal/server"
	"github.com/citegraph/citegraphd/internal/store"
	"github.com/citegraph/citegraphd/internal/telemetry"
	"github.com/citegraph/citegraphd/internal/vectorstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the citegraphd daemon",
	Long: `Start the HTTP daemon. Ingestion runs are controlled through the
/api/ingestion endpoints; search and graph queries are served from the
local stores.`,
	RunE: runServe,
}

// daemon holds the wired process: both stores, the pipeline coordinator
// and the read facade.
type daemon struct {
	config      *config.Config
	logger      *zap.Logger
	graph       *graphstore.Store
	coordinator *pipeline.Coordinator
	queries     *query.Service
}

// buildDaemon loads configuration and wires every component. The caller
// owns Close.
func buildDaemon(configPath string) (*daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	retry := provider.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Providers.MaxAttempts

	meta := metadata.NewCachedProvider(metadata.NewClient(metadata.Config{
		BaseURL:      cfg.Providers.MetadataBaseURL,
		APIKey:       cfg.Providers.MetadataAPIKey.Value(),
		RPS:          cfg.Providers.MetadataRPS,
		Burst:        cfg.Providers.MetadataBurst,
		MaxTokenWait: cfg.Providers.MaxTokenWait(),
		Retry:        retry,
	}, logger), 0)

	primary, err := analysis.New(cfg.Providers.AnalysisPrimary, analysisClientConfig(cfg, cfg.Providers.AnalysisPrimary, retry))
	if err != nil {
		return nil, fmt.Errorf("build primary analysis provider: %w", err)
	}
	var fallback analysis.Provider
	if name := cfg.Providers.AnalysisFallback; name != "" && name != cfg.Providers.AnalysisPrimary {
		fallback, err = analysis.New(name, analysisClientConfig(cfg, name, retry))
		if err != nil {
			return nil, fmt.Errorf("build fallback analysis provider: %w", err)
		}
	}
	selector := analysis.NewSelector(primary, fallback, analysis.SelectorConfig{
		RPM:          cfg.Providers.AnalysisRPM,
		Burst:        cfg.Providers.AnalysisBurst,
		MaxTokenWait: cfg.Providers.MaxTokenWait(),
		Window:       cfg.Providers.FallbackWindow(),
	}, logger)

	graph, err := graphstore.Open(cfg.Store.GraphURI, logger)
	if err != nil {
		return nil, fmt.Errorf("open graph store: %w", err)
	}
	vectors, err := vectorstore.Open(vectorstore.Config{
		Path:      cfg.Store.VectorStorePath,
		Dimension: cfg.Store.EmbeddingDim,
		ModelID:   selector.EmbeddingModelID(),
	}, logger)
	if err != nil {
		graph.Close()
		return nil, fmt.Errorf("open vector store: %w", err)
	}

	writer, err := store.NewWriter(graph, vectors, logger)
	if err != nil {
		graph.Close()
		return nil, err
	}
	enricher, err := analyzer.New(selector, logger)
	if err != nil {
		graph.Close()
		return nil, err
	}
	checkpoints, err := checkpoint.NewStore(cfg.Pipeline.CheckpointPath, logger)
	if err != nil {
		graph.Close()
		return nil, err
	}

	coordinator, err := pipeline.New(pipeline.Config{
		DiscoverWorkers:  cfg.Pipeline.DiscoverWorkers,
		FetchWorkers:     cfg.Pipeline.FetchWorkers,
		AnalyzeWorkers:   cfg.Pipeline.AnalyzeWorkers,
		PersistWorkers:   cfg.Pipeline.PersistWorkers,
		QueueDiscovered:  cfg.Pipeline.FetchQueueSize,
		QueueFetched:     cfg.Pipeline.AnalyzeQueueSize,
		QueueEnriched:    cfg.Pipeline.PersistQueueSize,
		CheckpointEveryN: cfg.Pipeline.CheckpointEveryN,
	}, meta, enricher, writer, graph, vectors, checkpoints, logger)
	if err != nil {
		graph.Close()
		return nil, err
	}

	queries, err := query.New(query.Config{}, graph, vectors, selector, logger)
	if err != nil {
		graph.Close()
		return nil, err
	}

	logger.Info("daemon wired",
		zap.String("graph_uri", cfg.Store.GraphURI),
		zap.String("vector_store_path", cfg.Store.VectorStorePath),
		zap.String("analysis_primary", cfg.Providers.AnalysisPrimary),
		zap.String("embedding_model", selector.EmbeddingModelID()))

	return &daemon{
		config:      cfg,
		logger:      logger,
		graph:       graph,
		coordinator: coordinator,
		queries:     queries,
	}, nil
}

func (d *daemon) close() {
	if err := d.graph.Close(); err != nil {
		d.logger.Warn("closing graph store", zap.Error(err))
	}
	_ = d.logger.Sync()
}

func analysisClientConfig(cfg *config.Config, name string, retry provider.RetryConfig) analysis.ClientConfig {
	var pc config.AnalysisProviderConfig
	switch name {
	case "gemini":
		pc = cfg.Providers.Gemini
	case "groq":
		pc = cfg.Providers.Groq
	case "ollama":
		pc = cfg.Providers.Ollama
	}
	return analysis.ClientConfig{
		BaseURL:        pc.BaseURL,
		APIKey:         pc.APIKey.Value(),
		Model:          pc.Model,
		EmbeddingModel: pc.EmbeddingModel,
		Timeout:        time.Duration(pc.TimeoutSeconds) * time.Second,
		Retry:          retry,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := buildDaemon(configPath)
	if err != nil {
		return err
	}
	defer d.close()

	tel, err := telemetry.Setup(cmd.Context(), d.config.Telemetry, d.logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(flushCtx); err != nil {
			d.logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	srv, err := server.New(server.Config{Addr: d.config.Server.Addr}, d.coordinator, d.queries, d.logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	d.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := d.coordinator.Stop(shutdownCtx); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		d.logger.Warn("stopping pipeline", zap.Error(err))
	}
	return srv.Shutdown(shutdownCtx)
}

var (
	ingestSeeds      []string
	ingestDepth      int
	ingestMaxPapers  int
	ingestFanout     int
	ingestNoAnalyze  bool
	ingestNoEmbed    bool
	ingestNoMetadata bool
	ingestFullText   bool
	ingestResume     bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run a one-shot ingestion without a daemon",
	Long: `Run one ingestion to completion in the foreground, then exit. Interrupt
with Ctrl-C to stop with a checkpoint; --resume picks the run back up.

Examples:
  citegraphd ingest --seeds 2401.00001 --depth 1
  citegraphd ingest --resume`,
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringSliceVar(&ingestSeeds, "seeds", nil, "seed paper ids")
	ingestCmd.Flags().IntVar(&ingestDepth, "depth", 0, "max expansion depth (0 uses config)")
	ingestCmd.Flags().IntVar(&ingestMaxPapers, "max-papers", 0, "paper budget (0 uses config)")
	ingestCmd.Flags().IntVar(&ingestFanout, "fanout", 0, "max neighbors per paper (0 uses config)")
	ingestCmd.Flags().BoolVar(&ingestNoAnalyze, "no-analyze", false, "skip LLM enrichment")
	ingestCmd.Flags().BoolVar(&ingestNoEmbed, "no-embed", false, "skip embeddings")
	ingestCmd.Flags().BoolVar(&ingestNoMetadata, "no-metadata", false, "drop metadata-provider enrichment fields")
	ingestCmd.Flags().BoolVar(&ingestFullText, "full-text", false, "include stored full text in analysis")
	ingestCmd.Flags().BoolVar(&ingestResume, "resume", false, "resume from the checkpoint file")
}

func runIngest(cmd *cobra.Command, args []string) error {
	d, err := buildDaemon(configPath)
	if err != nil {
		return err
	}
	defer d.close()

	rc := pipeline.RunConfig{
		MaxDepth:          d.config.Pipeline.MaxDepth,
		MaxPapers:         d.config.Pipeline.MaxPapers,
		MaxFanoutPerPaper: d.config.Pipeline.MaxFanoutPerPaper,
		AnalyzeEnabled:    !ingestNoAnalyze,
		EmbedEnabled:      !ingestNoAnalyze && !ingestNoEmbed,
		UseMetadata:       !ingestNoMetadata,
		UseFullText:       ingestFullText,
		Resume:            ingestResume,
	}
	if ingestDepth > 0 {
		rc.MaxDepth = ingestDepth
	}
	if ingestMaxPapers > 0 {
		rc.MaxPapers = ingestMaxPapers
	}
	if ingestFanout > 0 {
		rc.MaxFanoutPerPaper = ingestFanout
	}
	for _, seed := range ingestSeeds {
		rc.Seeds = append(rc.Seeds, model.PaperID(seed))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runID, err := d.coordinator.Start(ctx, rc)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s started\n", runID)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := d.coordinator.Stop(stopCtx)
			cancel()
			if err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
				return err
			}
			return printStatus(cmd, d.coordinator.Status())
		case <-ticker.C:
			if status := d.coordinator.Status(); !status.Running {
				return printStatus(cmd, status)
			}
		}
	}
}

func printStatus(cmd *cobra.Command, status pipeline.Status) error {
	out, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if status.State == pipeline.StateFailed {
		return fmt.Errorf("run failed")
	}
	return nil
}
