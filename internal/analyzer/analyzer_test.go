package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citegraph/citegraphd/internal/analysis"
	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/provider"
)

// stubProvider lets each sub-step be scripted independently.
type stubProvider struct {
	summarizeErr error
	extractErr   error
	classifyErr  error
	embedErr     error

	embedCalls    int
	classifyCalls int
}

func (s *stubProvider) Name() string             { return "stub" }
func (s *stubProvider) ModelID() string          { return "stub-model" }
func (s *stubProvider) EmbeddingModelID() string { return "stub-embed" }

func (s *stubProvider) Summarize(ctx context.Context, text string, level analysis.SummaryLevel) (string, error) {
	if s.summarizeErr != nil {
		return "", s.summarizeErr
	}
	if level == analysis.LevelBrief {
		return "tldr of " + text, nil
	}
	return "summary of " + text, nil
}

func (s *stubProvider) ExtractEntities(ctx context.Context, text string) ([]model.Concept, error) {
	if s.extractErr != nil {
		return nil, s.extractErr
	}
	return []model.Concept{{Name: "Spectral Method", Kind: model.KindMethod, Confidence: 0.9}}, nil
}

func (s *stubProvider) ClassifyCitation(ctx context.Context, c string) (model.EdgeLabel, error) {
	s.classifyCalls++
	if s.classifyErr != nil {
		return model.EdgeLabel{}, s.classifyErr
	}
	return model.EdgeLabel{Intent: model.IntentMethod, Position: model.PositionMethods}, nil
}

func (s *stubProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	s.embedCalls++
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func testAnalyzer(t *testing.T, p analysis.Provider) *Analyzer {
	t.Helper()
	a, err := New(p, nil)
	require.NoError(t, err)
	return a
}

var testPaper = model.Paper{
	ID:       "2401.00001",
	Title:    "On Things",
	Abstract: "We study things using the spectral method.",
}

func TestFullEnrichment(t *testing.T) {
	stub := &stubProvider{}
	a := testAnalyzer(t, stub)

	refs := []Reference{
		{ID: "p1", Context: "building on the spectral method of [1]"},
		{ID: "p2"}, // no context, stays unlabeled
	}
	enr, err := a.Analyze(context.Background(), testPaper, refs, Options{Embed: true})
	require.NoError(t, err)

	assert.False(t, enr.Partial)
	assert.Equal(t, "summary of "+testPaper.Abstract, enr.Summary)
	assert.Equal(t, "tldr of "+testPaper.Abstract, enr.TLDR)
	assert.Len(t, enr.Concepts, 1)
	assert.Equal(t, model.IntentMethod, enr.EdgeLabels["p1"].Intent)
	assert.NotContains(t, enr.EdgeLabels, model.PaperID("p2"))
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, enr.Embedding)
	assert.Equal(t, "stub-embed", enr.ModelID)
	assert.Equal(t, 1, stub.classifyCalls)
}

func TestExtractionFailureFallsBackAndMarksPartial(t *testing.T) {
	stub := &stubProvider{
		extractErr: provider.NewError(provider.KindUnavailable, "stub", "extract", errors.New("boom")),
	}
	a := testAnalyzer(t, stub)

	paper := testPaper
	paper.Abstract = "We apply Theorem 2.1 to the Planck constant."
	enr, err := a.Analyze(context.Background(), paper, nil, Options{})
	require.NoError(t, err)

	assert.True(t, enr.Partial)
	// The pattern tier still found the named structures.
	names := make([]string, 0, len(enr.Concepts))
	for _, c := range enr.Concepts {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "Theorem 2.1")
}

func TestSummaryFailureIsTolerated(t *testing.T) {
	stub := &stubProvider{
		summarizeErr: provider.NewError(provider.KindOverloaded, "stub", "summarize", errors.New("503")),
	}
	a := testAnalyzer(t, stub)

	enr, err := a.Analyze(context.Background(), testPaper, nil, Options{Embed: true})
	require.NoError(t, err)

	assert.True(t, enr.Partial)
	assert.Empty(t, enr.Summary)
	// Later sub-steps still ran.
	assert.Len(t, enr.Concepts, 1)
	assert.NotEmpty(t, enr.Embedding)
}

func TestCancellationAbortsBetweenSubSteps(t *testing.T) {
	stub := &stubProvider{}
	a := testAnalyzer(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Analyze(ctx, testPaper, nil, Options{Embed: true})
	require.Error(t, err)
	assert.Equal(t, provider.KindCancelled, provider.KindOf(err))
	assert.Zero(t, stub.embedCalls)
}

func TestShortCircuitOnUpToDateEmbedding(t *testing.T) {
	stub := &stubProvider{}
	a := testAnalyzer(t, stub)

	existing := model.Paper{
		ID: testPaper.ID, Summary: "stored summary", TLDR: "stored tldr",
		EmbeddingModel: "stub-embed",
	}
	enr, err := a.Analyze(context.Background(), testPaper, nil, Options{
		Embed:        true,
		Existing:     &existing,
		HasEmbedding: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "stored summary", enr.Summary)
	assert.Equal(t, "stored tldr", enr.TLDR)
	assert.Zero(t, stub.embedCalls)
	assert.Empty(t, enr.Embedding)
	assert.Equal(t, "stub-embed", enr.ModelID)
}

func TestStaleEmbeddingModelReembeds(t *testing.T) {
	stub := &stubProvider{}
	a := testAnalyzer(t, stub)

	existing := model.Paper{ID: testPaper.ID, EmbeddingModel: "old-embed"}
	enr, err := a.Analyze(context.Background(), testPaper, nil, Options{
		Embed:        true,
		Existing:     &existing,
		HasEmbedding: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stub.embedCalls)
	assert.NotEmpty(t, enr.Embedding)
}

func TestMetadataTLDRSkipsBriefSummary(t *testing.T) {
	stub := &stubProvider{}
	a := testAnalyzer(t, stub)

	paper := testPaper
	paper.TLDR = "provider tldr"
	enr, err := a.Analyze(context.Background(), paper, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "provider tldr", enr.TLDR)
}

func TestFullTextFeedsAnalysisWhenEnabled(t *testing.T) {
	stub := &stubProvider{}
	a := testAnalyzer(t, stub)

	paper := testPaper
	paper.FullText = "Section 3 carries the full proof."

	enr, err := a.Analyze(context.Background(), paper, nil, Options{UseFullText: true})
	require.NoError(t, err)
	assert.Contains(t, enr.Summary, paper.FullText)

	// Off by default: only the abstract reaches the provider.
	enr, err = a.Analyze(context.Background(), paper, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, "summary of "+paper.Abstract, enr.Summary)
}

func TestStubPaperPassesThrough(t *testing.T) {
	stub := &stubProvider{}
	a := testAnalyzer(t, stub)

	enr, err := a.Analyze(context.Background(), model.Paper{ID: "stub1"}, nil, Options{Embed: true})
	require.NoError(t, err)
	assert.True(t, enr.Partial)
	assert.Zero(t, stub.embedCalls)
}

func TestApplyFoldsEnrichmentIntoPaper(t *testing.T) {
	enr := model.Enrichment{
		Summary:   "s",
		TLDR:      "t",
		Embedding: []float32{1},
		ModelID:   "m",
	}
	p := Apply(model.Paper{ID: "p1", Title: "T"}, enr)
	assert.Equal(t, "s", p.Summary)
	assert.Equal(t, "t", p.TLDR)
	assert.Equal(t, "m", p.EmbeddingModel)
}
