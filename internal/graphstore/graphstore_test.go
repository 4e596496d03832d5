package graphstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citegraph/citegraphd/internal/model"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "graph.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertPaperRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	paper := model.Paper{
		ID:            "2401.00001",
		Title:         "On Things",
		Abstract:      "We study things.",
		Authors:       []string{"A. Author", "B. Author"},
		Categories:    []string{"cs.LG", "stat.ML"},
		PublishedDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		CitationCount: 12,
	}
	require.NoError(t, s.UpsertPaper(ctx, paper))

	got, found, err := s.GetPaper(ctx, "2401.00001")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "On Things", got.Title)
	assert.Equal(t, []string{"A. Author", "B. Author"}, got.Authors)
	assert.Equal(t, []string{"cs.LG", "stat.ML"}, got.Categories)
	assert.Equal(t, 12, got.CitationCount)
}

func TestUpsertPaperNonNullMerge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPaper(ctx, model.Paper{
		ID: "p1", Title: "Full Title", Abstract: "Abstract.", CitationCount: 7,
	}))

	// An update with empty fields and unknown citation count must not
	// erase what is stored.
	require.NoError(t, s.UpsertPaper(ctx, model.Paper{
		ID: "p1", Summary: "A summary.", CitationCount: model.CitationUnknown,
	}))

	got, _, err := s.GetPaper(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Full Title", got.Title)
	assert.Equal(t, "Abstract.", got.Abstract)
	assert.Equal(t, 7, got.CitationCount)
	assert.Equal(t, "A summary.", got.Summary)
}

func TestUpsertPaperIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	p := model.Paper{ID: "p1", Title: "T", Authors: []string{"X"}}
	require.NoError(t, s.UpsertPaper(ctx, p))
	require.NoError(t, s.UpsertPaper(ctx, p))

	n, err := s.CountPapers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _, err := s.GetPaper(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"X"}, got.Authors)
}

func TestUpsertCitationCreatesStubs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCitation(ctx, model.Citation{
		Src: "p0", Dst: "p1", Intent: model.IntentMethod,
	}))

	stub, found, err := s.GetPaper(ctx, "p1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, stub.IsStub())

	refs, err := s.References(ctx, "p0")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, model.IntentMethod, refs[0].Intent)
}

func TestUpsertCitationRejectsSelfLoop(t *testing.T) {
	s := testStore(t)
	err := s.UpsertCitation(context.Background(), model.Citation{Src: "p0", Dst: "p0"})
	assert.ErrorIs(t, err, errSelfLoop)
}

func TestUpsertCitationMergesAttributes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertCitation(ctx, model.Citation{
		Src: "p0", Dst: "p1", Context: "as shown in [1]",
	}))
	// Replay with a classified intent fills the blank without erasing
	// the stored context.
	require.NoError(t, s.UpsertCitation(ctx, model.Citation{
		Src: "p0", Dst: "p1", Intent: model.IntentBackground,
	}))

	refs, err := s.References(ctx, "p0")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, model.IntentBackground, refs[0].Intent)
	assert.Equal(t, "as shown in [1]", refs[0].Context)
}

func TestConceptMentions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	concepts := []model.Concept{
		{Name: "Ising Model", Kind: model.KindMethod, Confidence: 0.9},
		{Name: "ising model", Kind: model.KindMethod, Confidence: 0.5},
	}
	require.NoError(t, s.UpsertConceptMentions(ctx, "p0", concepts))
	require.NoError(t, s.UpsertConceptMentions(ctx, "p1", concepts[:1]))

	got, err := s.Concepts(ctx, "p0")
	require.NoError(t, err)
	// Case variants collapse to one concept at the highest confidence.
	require.Len(t, got, 1)
	assert.Equal(t, 0.9, got[0].Confidence)
}

func TestConceptKindsStayDistinct(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// The same surface name under two kinds is two concepts.
	require.NoError(t, s.UpsertConceptMentions(ctx, "p0", []model.Concept{
		{Name: "Euler", Kind: model.KindTheorem, Confidence: 0.8},
		{Name: "Euler", Kind: model.KindConstant, Confidence: 0.6},
	}))

	got, err := s.Concepts(ctx, "p0")
	require.NoError(t, err)
	require.Len(t, got, 2)

	byKind := make(map[model.ConceptKind]float64, len(got))
	for _, c := range got {
		byKind[c.Kind] = c.Confidence
	}
	assert.Equal(t, 0.8, byKind[model.KindTheorem])
	assert.Equal(t, 0.6, byKind[model.KindConstant])
}

func TestListPapersByCategory(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPaper(ctx, model.Paper{ID: "a", Title: "A", Categories: []string{"cs.LG"}}))
	require.NoError(t, s.UpsertPaper(ctx, model.Paper{ID: "b", Title: "B", Categories: []string{"math.CO"}}))
	require.NoError(t, s.EnsureStub(ctx, "stub"))

	papers, total, err := s.ListPapers(ctx, 0, 10, "cs.LG")
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, papers, 1)
	assert.Equal(t, model.PaperID("a"), papers[0].ID)

	// Stubs never appear in listings.
	_, total, err = s.ListPapers(ctx, 0, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestNeighborhood(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// p0 -> p1 -> p2, p3 -> p0
	for _, e := range []model.Citation{
		{Src: "p0", Dst: "p1"},
		{Src: "p1", Dst: "p2"},
		{Src: "p3", Dst: "p0"},
	} {
		require.NoError(t, s.UpsertCitation(ctx, e))
	}

	nodes, edges, err := s.Neighborhood(ctx, "p0", 1)
	require.NoError(t, err)
	assert.Len(t, nodes, 3) // p0, p1, p3
	assert.Len(t, edges, 2)

	nodes, edges, err = s.Neighborhood(ctx, "p0", 2)
	require.NoError(t, err)
	assert.Len(t, nodes, 4)
	assert.Len(t, edges, 3)

	nodes, edges, err = s.Neighborhood(ctx, "missing", 2)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.Empty(t, edges)
}

func TestClusters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Two dense triangles joined by nothing, plus an isolated edge.
	for _, e := range []model.Citation{
		{Src: "a1", Dst: "a2"}, {Src: "a2", Dst: "a3"}, {Src: "a3", Dst: "a1"},
		{Src: "b1", Dst: "b2"}, {Src: "b2", Dst: "b3"}, {Src: "b3", Dst: "b1"},
		{Src: "c1", Dst: "c2"},
	} {
		require.NoError(t, s.UpsertCitation(ctx, e))
	}

	clusters, err := s.Clusters(ctx, 3)
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Equal(t, []model.PaperID{"a1", "a2", "a3"}, clusters[0].Members)
	assert.Equal(t, []model.PaperID{"b1", "b2", "b3"}, clusters[1].Members)
}

func TestBatchAtomicity(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	err := s.Batch(ctx, func(b *Batch) error {
		if err := b.UpsertPaper(model.Paper{ID: "p1", Title: "T"}); err != nil {
			return err
		}
		return b.UpsertCitation(model.Citation{Src: "p1", Dst: "p1"})
	})
	require.Error(t, err)

	// The failed batch left nothing behind.
	n, err := s.CountPapers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPendingEmbeddingsLedger(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertPaper(ctx, model.Paper{ID: "p1", Title: "T"}))
	require.NoError(t, s.MarkEmbeddingPending(ctx, "p1"))

	pending, err := s.PendingEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.PaperID{"p1"}, pending)

	require.NoError(t, s.ClearEmbeddingPending(ctx, "p1"))
	pending, err = s.PendingEmbeddings(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
