// Package server exposes the ingestion pipeline and the read facade
// over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/citegraph/citegraphd/internal/graphstore"
	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/pipeline"
	"github.com/citegraph/citegraphd/internal/query"
)

// Ingestor is the pipeline control surface the server drives.
type Ingestor interface {
	Start(ctx context.Context, rc pipeline.RunConfig) (string, error)
	Stop(ctx context.Context) error
	Status() pipeline.Status
}

// Reader is the read facade the server queries.
type Reader interface {
	GetPaper(ctx context.Context, id model.PaperID, includeCitations, includeReferences bool) (query.PaperDetail, error)
	ListPapers(ctx context.Context, offset, pageSize int, category string) (query.Page, error)
	SemanticSearch(ctx context.Context, queryText string, limit int, filter map[string]string) ([]query.Hit, error)
	HybridSearch(ctx context.Context, queryText string, limit int) ([]query.Hit, error)
	Neighborhood(ctx context.Context, id model.PaperID, depth int) ([]model.Paper, []model.Citation, error)
	Clusters(ctx context.Context, minSize int) ([]graphstore.Cluster, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Addr string
}

// Server provides the HTTP endpoints for citegraphd.
type Server struct {
	echo     *echo.Echo
	ingestor Ingestor
	reader   Reader
	logger   *zap.Logger
	config   Config
}

// New creates the HTTP server and registers all routes.
func New(cfg Config, ingestor Ingestor, reader Reader, logger *zap.Logger) (*Server, error) {
	if ingestor == nil {
		return nil, fmt.Errorf("server: ingestor is required")
	}
	if reader == nil {
		return nil, fmt.Errorf("server: reader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8087"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(newHTTPMetrics(logger).middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:     e,
		ingestor: ingestor,
		reader:   reader,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group("/api")
	api.POST("/ingestion/start", s.handleIngestionStart)
	api.POST("/ingestion/stop", s.handleIngestionStop)
	api.GET("/ingestion/status", s.handleIngestionStatus)

	api.GET("/papers", s.handleListPapers)
	api.GET("/papers/:id", s.handleGetPaper)

	api.GET("/search/semantic", s.handleSemanticSearch)
	api.GET("/search/hybrid", s.handleHybridSearch)

	api.GET("/graph/neighborhood/:id", s.handleNeighborhood)
	api.GET("/graph/clusters", s.handleClusters)
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// StartRequest is the request body for POST /api/ingestion/start.
type StartRequest struct {
	Seeds             []string `json:"seeds"`
	MaxDepth          int      `json:"max_depth"`
	MaxPapers         int      `json:"max_papers"`
	MaxFanoutPerPaper int      `json:"max_fanout_per_paper"`

	// Analyze, Embed and UseMetadata default to true when omitted.
	Analyze     *bool `json:"analyze"`
	Embed       *bool `json:"embed"`
	UseMetadata *bool `json:"use_metadata_provider"`

	UseFullText bool `json:"use_full_text"`
	Resume      bool `json:"resume"`
}

// StartResponse is the response body for POST /api/ingestion/start.
type StartResponse struct {
	RunID string `json:"run_id"`
}

func (s *Server) handleIngestionStart(c echo.Context) error {
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid start request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Seeds) == 0 && !req.Resume {
		return echo.NewHTTPError(http.StatusBadRequest, "seeds field is required")
	}

	rc := pipeline.RunConfig{
		MaxDepth:          req.MaxDepth,
		MaxPapers:         req.MaxPapers,
		MaxFanoutPerPaper: req.MaxFanoutPerPaper,
		AnalyzeEnabled:    boolOr(req.Analyze, true),
		EmbedEnabled:      boolOr(req.Embed, true),
		UseMetadata:       boolOr(req.UseMetadata, true),
		UseFullText:       req.UseFullText,
		Resume:            req.Resume,
	}
	for _, seed := range req.Seeds {
		rc.Seeds = append(rc.Seeds, model.PaperID(seed))
	}

	runID, err := s.ingestor.Start(c.Request().Context(), rc)
	if err != nil {
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			return echo.NewHTTPError(http.StatusConflict, "a run is already active")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, StartResponse{RunID: runID})
}

// StopResponse is the response body for POST /api/ingestion/stop.
type StopResponse struct {
	Note   string          `json:"note,omitempty"`
	Status pipeline.Status `json:"status"`
}

func (s *Server) handleIngestionStop(c echo.Context) error {
	if err := s.ingestor.Stop(c.Request().Context()); err != nil {
		if errors.Is(err, pipeline.ErrNotRunning) {
			// Stop is idempotent: stopping an already-stopped run
			// succeeds with a note.
			return c.JSON(http.StatusOK, StopResponse{
				Note:   "no run is active",
				Status: s.ingestor.Status(),
			})
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, StopResponse{Status: s.ingestor.Status()})
}

func (s *Server) handleIngestionStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ingestor.Status())
}

func (s *Server) handleListPapers(c echo.Context) error {
	offset := queryInt(c, "offset", 0)
	pageSize := queryInt(c, "page_size", 20)

	page, err := s.reader.ListPapers(c.Request().Context(), offset, pageSize, c.QueryParam("category"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) handleGetPaper(c echo.Context) error {
	id := model.PaperID(c.Param("id"))
	includeCitations := queryBool(c, "citations")
	includeReferences := queryBool(c, "references")

	detail, err := s.reader.GetPaper(c.Request().Context(), id, includeCitations, includeReferences)
	if err != nil {
		if errors.Is(err, query.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "paper not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, detail)
}

// SearchResponse is the response body for the search endpoints.
type SearchResponse struct {
	Query string      `json:"query"`
	Hits  []query.Hit `json:"hits"`
}

func (s *Server) handleSemanticSearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q parameter is required")
	}
	limit := queryInt(c, "limit", 10)

	var filter map[string]string
	if cat := c.QueryParam("category"); cat != "" {
		filter = map[string]string{"category": cat}
	}

	hits, err := s.reader.SemanticSearch(c.Request().Context(), q, limit, filter)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: q, Hits: hits})
}

func (s *Server) handleHybridSearch(c echo.Context) error {
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q parameter is required")
	}
	limit := queryInt(c, "limit", 10)

	hits, err := s.reader.HybridSearch(c.Request().Context(), q, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, SearchResponse{Query: q, Hits: hits})
}

// NeighborhoodResponse is the response body for GET /api/graph/neighborhood.
type NeighborhoodResponse struct {
	Nodes []model.Paper    `json:"nodes"`
	Edges []model.Citation `json:"edges"`
}

func (s *Server) handleNeighborhood(c echo.Context) error {
	id := model.PaperID(c.Param("id"))
	depth := queryInt(c, "depth", 1)

	nodes, edges, err := s.reader.Neighborhood(c.Request().Context(), id, depth)
	if err != nil {
		if errors.Is(err, query.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "paper not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, NeighborhoodResponse{Nodes: nodes, Edges: edges})
}

// ClustersResponse is the response body for GET /api/graph/clusters.
type ClustersResponse struct {
	Clusters []graphstore.Cluster `json:"clusters"`
}

func (s *Server) handleClusters(c echo.Context) error {
	minSize := queryInt(c, "min_size", 2)

	clusters, err := s.reader.Clusters(c.Request().Context(), minSize)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, ClustersResponse{Clusters: clusters})
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.config.Addr))
	return s.echo.Start(s.config.Addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func queryBool(c echo.Context, name string) bool {
	v, _ := strconv.ParseBool(c.QueryParam(name))
	return v
}

func boolOr(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}
