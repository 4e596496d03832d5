package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/provider"
)

// fakeProvider scripts per-call outcomes for selector tests.
type fakeProvider struct {
	name      string
	calls     int
	failWith  error
	summary   string
	embedding []float32
}

func (f *fakeProvider) Name() string             { return f.name }
func (f *fakeProvider) ModelID() string          { return f.name + "-model" }
func (f *fakeProvider) EmbeddingModelID() string { return f.name + "-embed" }

func (f *fakeProvider) Summarize(ctx context.Context, text string, level SummaryLevel) (string, error) {
	f.calls++
	if f.failWith != nil {
		return "", f.failWith
	}
	return f.summary, nil
}

func (f *fakeProvider) ExtractEntities(ctx context.Context, text string) ([]model.Concept, error) {
	f.calls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	return []model.Concept{{Name: "X", Kind: model.KindMethod}}, nil
}

func (f *fakeProvider) ClassifyCitation(ctx context.Context, c string) (model.EdgeLabel, error) {
	f.calls++
	if f.failWith != nil {
		return model.EdgeLabel{}, f.failWith
	}
	return model.EdgeLabel{Intent: model.IntentMethod, Position: model.PositionMethods}, nil
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	return f.embedding, nil
}

func fastSelector(primary, fallback Provider, window time.Duration) *Selector {
	return NewSelector(primary, fallback, SelectorConfig{
		RPM:          600000,
		Burst:        1000,
		MaxTokenWait: time.Second,
		Window:       window,
	}, nil)
}

func TestSelectorRoutesToPrimaryWhenHealthy(t *testing.T) {
	primary := &fakeProvider{name: "gemini", summary: "from primary"}
	fallback := &fakeProvider{name: "ollama", summary: "from fallback"}
	s := fastSelector(primary, fallback, time.Minute)

	out, err := s.Summarize(context.Background(), "text", LevelStandard)
	require.NoError(t, err)
	assert.Equal(t, "from primary", out)
	assert.Zero(t, fallback.calls)
}

func TestSelectorSwitchesAfterOverloadWindow(t *testing.T) {
	now := time.Now()
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	overloaded := provider.NewError(provider.KindOverloaded, "gemini", "summarize", errors.New("503"))
	primary := &fakeProvider{name: "gemini", failWith: overloaded}
	fallback := &fakeProvider{name: "ollama", summary: "from fallback"}
	s := fastSelector(primary, fallback, time.Minute)

	// Inside the window: calls keep going to the primary and fail.
	_, err := s.Summarize(context.Background(), "text", LevelStandard)
	require.Error(t, err)
	assert.Zero(t, fallback.calls)

	// After the window the same failing call falls through to fallback.
	now = now.Add(2 * time.Minute)
	out, err := s.Summarize(context.Background(), "text", LevelStandard)
	require.NoError(t, err)
	assert.Equal(t, "from fallback", out)
	assert.GreaterOrEqual(t, fallback.calls, 1)
}

func TestSelectorRecoversWhenPrimaryHeals(t *testing.T) {
	now := time.Now()
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	overloaded := provider.NewError(provider.KindOverloaded, "gemini", "summarize", errors.New("503"))
	primary := &fakeProvider{name: "gemini", failWith: overloaded}
	fallback := &fakeProvider{name: "ollama", summary: "from fallback"}
	s := fastSelector(primary, fallback, time.Minute)

	_, _ = s.Summarize(context.Background(), "text", LevelStandard)
	now = now.Add(2 * time.Minute)
	_, _ = s.Summarize(context.Background(), "text", LevelStandard)

	// Primary heals; the periodic probe should route back to it.
	primary.failWith = nil
	primary.summary = "from primary again"
	now = now.Add(2 * time.Minute)

	out, err := s.Summarize(context.Background(), "text", LevelStandard)
	require.NoError(t, err)
	assert.Equal(t, "from primary again", out)

	// Healthy again: subsequent calls stay on the primary.
	out, err = s.Summarize(context.Background(), "text", LevelStandard)
	require.NoError(t, err)
	assert.Equal(t, "from primary again", out)
}

func TestSelectorEmbedNeverFallsBack(t *testing.T) {
	now := time.Now()
	timeNow = func() time.Time { return now }
	defer func() { timeNow = time.Now }()

	overloaded := provider.NewError(provider.KindOverloaded, "gemini", "embed", errors.New("503"))
	primary := &fakeProvider{name: "gemini", failWith: overloaded}
	fallback := &fakeProvider{name: "ollama", embedding: []float32{1, 2, 3}}
	s := fastSelector(primary, fallback, time.Minute)

	_, err := s.Embed(context.Background(), "text")
	require.Error(t, err)
	now = now.Add(5 * time.Minute)
	_, err = s.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Zero(t, fallback.calls)
}

func TestSelectorWithoutFallback(t *testing.T) {
	overloaded := provider.NewError(provider.KindOverloaded, "gemini", "summarize", errors.New("503"))
	primary := &fakeProvider{name: "gemini", failWith: overloaded}
	s := fastSelector(primary, nil, time.Millisecond)

	_, err := s.Summarize(context.Background(), "text", LevelStandard)
	require.Error(t, err)
	assert.Equal(t, provider.KindOverloaded, provider.KindOf(err))
}
