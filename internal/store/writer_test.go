package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citegraph/citegraphd/internal/graphstore"
	"github.com/citegraph/citegraphd/internal/model"
	"github.com/citegraph/citegraphd/internal/vectorstore"
)

// flakyVectors fails the next N upserts, then delegates.
type flakyVectors struct {
	inner     *vectorstore.Store
	failNext  int
	failCount int
}

func (f *flakyVectors) Upsert(ctx context.Context, p model.Paper) error {
	if f.failNext > 0 {
		f.failNext--
		f.failCount++
		return fmt.Errorf("vector backend unavailable")
	}
	return f.inner.Upsert(ctx, p)
}

func (f *flakyVectors) Get(ctx context.Context, id model.PaperID) ([]float32, bool, error) {
	return f.inner.Get(ctx, id)
}

func (f *flakyVectors) ModelID() string { return f.inner.ModelID() }

func testWriter(t *testing.T) (*Writer, *graphstore.Store, *flakyVectors) {
	t.Helper()
	graph, err := graphstore.Open(filepath.Join(t.TempDir(), "graph.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { graph.Close() })

	vectors, err := vectorstore.Open(vectorstore.Config{
		Path:      t.TempDir(),
		Dimension: 3,
		ModelID:   "test-embed",
	}, nil)
	require.NoError(t, err)

	flaky := &flakyVectors{inner: vectors}
	w, err := NewWriter(graph, flaky, nil)
	require.NoError(t, err)
	return w, graph, flaky
}

func paperWithEmbedding(id model.PaperID) model.Paper {
	return model.Paper{
		ID:        id,
		Title:     "Paper " + string(id),
		Abstract:  "Abstract.",
		Embedding: []float32{1, 0, 0},
	}
}

func TestUpsertPaperWritesBothStores(t *testing.T) {
	w, graph, flaky := testWriter(t)
	ctx := context.Background()

	require.NoError(t, w.UpsertPaper(ctx, paperWithEmbedding("p1")))

	_, found, err := graph.GetPaper(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = flaky.Get(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, found)

	pending, err := w.PendingEmbeddings(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestVectorFailureLeavesPaperPending(t *testing.T) {
	w, graph, flaky := testWriter(t)
	ctx := context.Background()
	flaky.failNext = 3

	for _, id := range []model.PaperID{"p1", "p2", "p3"} {
		require.NoError(t, w.UpsertPaper(ctx, paperWithEmbedding(id)))
	}

	// Graph writes landed even though the vector side failed.
	n, err := graph.CountPapers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	pending, err := w.PendingEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.PaperID{"p1", "p2", "p3"}, pending)

	// A retry pass converges: every vector-store id has a graph node.
	for _, id := range pending {
		require.NoError(t, w.RetryPendingEmbedding(ctx, id, []float32{0, 1, 0}))
	}
	pending, err = w.PendingEmbeddings(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, found, err := flaky.Get(ctx, "p2")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestPaperWithoutEmbeddingSkipsVectorStore(t *testing.T) {
	w, _, flaky := testWriter(t)
	ctx := context.Background()

	require.NoError(t, w.UpsertPaper(ctx, model.Paper{ID: "p1", Title: "T"}))

	_, found, err := flaky.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, found)

	pending, err := w.PendingEmbeddings(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBatchGraphFailureSkipsVectorWrites(t *testing.T) {
	w, graph, flaky := testWriter(t)
	ctx := context.Background()

	p := paperWithEmbedding("p1")
	err := w.Batch(ctx, []Op{
		{Paper: &p},
		{Citation: &model.Citation{Src: "p1", Dst: "p1"}}, // self-loop, rejected
	})
	require.Error(t, err)

	n, err := graph.CountPapers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, found, err := flaky.Get(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestBatchMixedOps(t *testing.T) {
	w, graph, _ := testWriter(t)
	ctx := context.Background()

	p := paperWithEmbedding("p0")
	err := w.Batch(ctx, []Op{
		{Paper: &p},
		{Citation: &model.Citation{Src: "p0", Dst: "p1", Intent: model.IntentMethod}},
		{Mentions: &MentionsOp{PaperID: "p0", Concepts: []model.Concept{
			{Name: "Graph Attention", Kind: model.KindMethod, Confidence: 0.8},
		}}},
	})
	require.NoError(t, err)

	refs, err := graph.References(ctx, "p0")
	require.NoError(t, err)
	assert.Len(t, refs, 1)

	concepts, err := graph.Concepts(ctx, "p0")
	require.NoError(t, err)
	assert.Len(t, concepts, 1)
}

func TestUpsertPaperIdempotentAcrossStores(t *testing.T) {
	w, graph, flaky := testWriter(t)
	ctx := context.Background()

	p := paperWithEmbedding("p1")
	require.NoError(t, w.UpsertPaper(ctx, p))
	require.NoError(t, w.UpsertPaper(ctx, p))

	n, err := graph.CountPapers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, flaky.inner.Count())
}
