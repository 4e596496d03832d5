package frontier

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citegraph/citegraphd/internal/model"
)

func newFrontier(t *testing.T, cfg Config) *Frontier {
	t.Helper()
	f, err := New(cfg)
	require.NoError(t, err)
	return f
}

func TestSeedAndFIFOOrder(t *testing.T) {
	f := newFrontier(t, Config{MaxDepth: 1})

	n := f.Seed([]model.PaperID{"2401.00001", "2401.00002", "2401.00001"})
	assert.Equal(t, 2, n)

	first, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, Item{ID: "2401.00001", Depth: 0}, first)

	second, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, Item{ID: "2401.00002", Depth: 0}, second)

	_, ok = f.Next()
	assert.False(t, ok)
}

func TestEnqueueNeighborsDedup(t *testing.T) {
	f := newFrontier(t, Config{MaxDepth: 2})
	f.Seed([]model.PaperID{"p0"})

	accepted := f.EnqueueNeighbors("p0", []model.PaperID{"q", "q", "q"}, 0)
	assert.Equal(t, []model.PaperID{"q"}, accepted)

	// Re-offering a claimed neighbor is a no-op.
	accepted = f.EnqueueNeighbors("p1", []model.PaperID{"q"}, 0)
	assert.Empty(t, accepted)
	assert.Equal(t, 2, f.QueueLen())
}

func TestDepthBound(t *testing.T) {
	f := newFrontier(t, Config{MaxDepth: 1})
	f.Seed([]model.PaperID{"p0"})

	accepted := f.EnqueueNeighbors("p0", []model.PaperID{"p1"}, 0)
	assert.Len(t, accepted, 1)

	// p1 sits at max depth; its neighbors are out of bounds.
	accepted = f.EnqueueNeighbors("p1", []model.PaperID{"p2"}, 1)
	assert.Empty(t, accepted)
	assert.False(t, f.Visited("p2"))
}

func TestFanoutTruncation(t *testing.T) {
	f := newFrontier(t, Config{MaxDepth: 1, MaxFanoutPerPaper: 3})
	f.Seed([]model.PaperID{"p0"})

	var neighbors []model.PaperID
	for i := 0; i < 10; i++ {
		neighbors = append(neighbors, model.PaperID(fmt.Sprintf("n%d", i)))
	}
	accepted := f.EnqueueNeighbors("p0", neighbors, 0)
	assert.Equal(t, []model.PaperID{"n0", "n1", "n2"}, accepted)
	assert.False(t, f.Visited("n3"))
}

func TestPaperBudget(t *testing.T) {
	f := newFrontier(t, Config{MaxDepth: 3, MaxPapers: 3})
	f.Seed([]model.PaperID{"p0", "p1"})

	accepted := f.EnqueueNeighbors("p0", []model.PaperID{"a", "b", "c"}, 0)
	assert.Equal(t, []model.PaperID{"a"}, accepted)
	assert.Equal(t, 3, f.VisitedCount())
}

func TestSelfLoopNeighborSkipped(t *testing.T) {
	f := newFrontier(t, Config{MaxDepth: 2})
	f.Seed([]model.PaperID{"p0"})

	accepted := f.EnqueueNeighbors("p0", []model.PaperID{"p0", "p1"}, 0)
	assert.Equal(t, []model.PaperID{"p1"}, accepted)
}

func TestConcurrentClaimExactlyOnce(t *testing.T) {
	f := newFrontier(t, Config{MaxDepth: 2, MaxFanoutPerPaper: 100})
	f.Seed([]model.PaperID{"p0", "px"})

	const workers = 8
	results := make([][]model.PaperID, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			parent := model.PaperID(fmt.Sprintf("parent%d", i))
			results[i] = f.EnqueueNeighbors(parent, []model.PaperID{"shared"}, 0)
		}(i)
	}
	wg.Wait()

	claims := 0
	for _, r := range results {
		claims += len(r)
	}
	assert.Equal(t, 1, claims)
}

func TestRestoreSkipsVisited(t *testing.T) {
	f := newFrontier(t, Config{MaxDepth: 2})
	f.MarkVisited([]model.PaperID{"done1", "done2"})

	n := f.Restore([]Item{
		{ID: "done1", Depth: 1},
		{ID: "pending", Depth: 1},
	})
	assert.Equal(t, 1, n)

	item, ok := f.Next()
	require.True(t, ok)
	assert.Equal(t, Item{ID: "pending", Depth: 1}, item)
}

func TestSnapshotPreservesOrder(t *testing.T) {
	f := newFrontier(t, Config{MaxDepth: 1})
	f.Seed([]model.PaperID{"a", "b", "c"})

	_, _ = f.Next()
	snap := f.Snapshot()
	assert.Equal(t, []Item{{ID: "b", Depth: 0}, {ID: "c", Depth: 0}}, snap)

	// Snapshot is a copy, not a view.
	_, _ = f.Next()
	assert.Equal(t, []Item{{ID: "b", Depth: 0}, {ID: "c", Depth: 0}}, snap)
}

func TestInvalidConfig(t *testing.T) {
	_, err := New(Config{MaxDepth: -1})
	assert.Error(t, err)
}
