package analysis

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/provider"
)

// timeNow is a variable for testing purposes.
var timeNow = time.Now

// SelectorConfig configures the primary/fallback routing policy and the
// shared analysis rate budget.
type SelectorConfig struct {
	// RPM is the analysis per-minute budget shared across backends.
	RPM float64

	// Burst is the token-bucket capacity.
	Burst int

	// MaxTokenWait bounds the wait for a rate token.
	MaxTokenWait time.Duration

	// Window is how long the primary must stay overloaded before calls
	// route to the fallback.
	Window time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *SelectorConfig) ApplyDefaults() {
	if c.RPM == 0 {
		c.RPM = 60
	}
	if c.Burst == 0 {
		c.Burst = 4
	}
	if c.MaxTokenWait == 0 {
		c.MaxTokenWait = 30 * time.Second
	}
	if c.Window == 0 {
		c.Window = time.Minute
	}
}

// Selector routes analysis calls to the primary backend, switching
// completions to the fallback once the primary has been continuously
// overloaded for longer than the window. Embeddings always go to the
// primary: mixing embedding models in one collection would make the
// vectors incomparable.
//
// Selector itself implements Provider, so the analyzer stays unaware of
// which backend serves a call.
type Selector struct {
	primary  Provider
	fallback Provider
	config   SelectorConfig
	limiter  *provider.Limiter
	logger   *zap.Logger

	mu sync.Mutex
	// overloadedSince is the start of the current continuous overload of
	// the primary; zero when the primary is healthy.
	overloadedSince time.Time
	// lastProbe is the last time a call was routed to the primary while
	// in fallback mode, to detect recovery.
	lastProbe time.Time
}

// NewSelector builds a selector. fallback may be nil, in which case all
// calls go to the primary.
func NewSelector(primary, fallback Provider, cfg SelectorConfig, logger *zap.Logger) *Selector {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Selector{
		primary:  primary,
		fallback: fallback,
		config:   cfg,
		limiter:  provider.NewLimiter("analysis", cfg.RPM/60.0, cfg.Burst, cfg.MaxTokenWait),
		logger:   logger.Named("analysis"),
	}
}

func (s *Selector) Name() string             { return s.primary.Name() }
func (s *Selector) ModelID() string          { return s.primary.ModelID() }
func (s *Selector) EmbeddingModelID() string { return s.primary.EmbeddingModelID() }

// pick chooses the backend for one completion call.
func (s *Selector) pick() Provider {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fallback == nil || s.overloadedSince.IsZero() {
		return s.primary
	}
	now := timeNow()
	if now.Sub(s.overloadedSince) < s.config.Window {
		// Still inside the window: keep hammering the primary (its own
		// retry loop absorbs the transient case).
		return s.primary
	}
	// Primary considered down. Probe it once per window; otherwise route
	// to the fallback.
	if now.Sub(s.lastProbe) >= s.config.Window {
		s.lastProbe = now
		return s.primary
	}
	return s.fallback
}

// observe updates overload tracking after a primary call.
func (s *Selector) observe(p Provider, err error) {
	if p != s.primary {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pe *provider.Error
	if err != nil && errors.As(err, &pe) && pe.Kind == provider.KindOverloaded {
		if s.overloadedSince.IsZero() {
			s.overloadedSince = timeNow()
			s.logger.Warn("primary analysis provider overloaded",
				zap.String("provider", s.primary.Name()))
		}
		return
	}
	if err == nil && !s.overloadedSince.IsZero() {
		s.logger.Info("primary analysis provider recovered",
			zap.String("provider", s.primary.Name()))
		s.overloadedSince = time.Time{}
	}
}

// call runs one completion-style operation through the budget and the
// routing policy, falling through to the fallback when a routed-to-primary
// call comes back overloaded and the window has already elapsed.
func selectorDo[T any](ctx context.Context, s *Selector, fn func(ctx context.Context, p Provider) (T, error)) (T, error) {
	var zero T
	if err := s.limiter.Wait(ctx); err != nil {
		return zero, err
	}

	p := s.pick()
	out, err := fn(ctx, p)
	s.observe(p, err)

	if err != nil && p == s.primary && s.fallback != nil {
		var pe *provider.Error
		if errors.As(err, &pe) && pe.Kind == provider.KindOverloaded {
			s.mu.Lock()
			expired := !s.overloadedSince.IsZero() && timeNow().Sub(s.overloadedSince) >= s.config.Window
			s.mu.Unlock()
			if expired {
				return fn(ctx, s.fallback)
			}
		}
	}
	return out, err
}

func (s *Selector) Summarize(ctx context.Context, text string, level SummaryLevel) (string, error) {
	return selectorDo(ctx, s, func(ctx context.Context, p Provider) (string, error) {
		return p.Summarize(ctx, text, level)
	})
}

func (s *Selector) ExtractEntities(ctx context.Context, text string) ([]model.Concept, error) {
	return selectorDo(ctx, s, func(ctx context.Context, p Provider) ([]model.Concept, error) {
		return p.ExtractEntities(ctx, text)
	})
}

func (s *Selector) ClassifyCitation(ctx context.Context, citationContext string) (model.EdgeLabel, error) {
	return selectorDo(ctx, s, func(ctx context.Context, p Provider) (model.EdgeLabel, error) {
		return p.ClassifyCitation(ctx, citationContext)
	})
}

// Embed always uses the primary; see the type comment.
func (s *Selector) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := s.primary.Embed(ctx, text)
	s.observe(s.primary, err)
	return out, err
}

var _ Provider = (*Selector)(nil)
