// Package frontier tracks the breadth-first expansion of the citation
// graph during a run: which papers have been claimed and which are queued
// for fetching. Dedup is atomic with enqueue, so two workers discovering
// the same paper agree on exactly one claim.
package frontier

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/citegraph/citegraphd/internal/model"
)

const visitedShards = 16

// Item is one queued unit of discovery work. Attempts counts transient
// fetch failures within the current run; it is not checkpointed.
type Item struct {
	ID       model.PaperID `json:"id"`
	Depth    int           `json:"depth"`
	Attempts int           `json:"-"`
}

// Config bounds the traversal.
type Config struct {
	// MaxDepth is the deepest hop from a seed that may be enqueued.
	// Seeds are depth 0.
	MaxDepth int

	// MaxPapers caps how many papers may be claimed in total.
	// Zero means unbounded.
	MaxPapers int

	// MaxFanoutPerPaper caps how many neighbors a single paper may
	// contribute to the queue.
	MaxFanoutPerPaper int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.MaxFanoutPerPaper == 0 {
		c.MaxFanoutPerPaper = 25
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxDepth < 0 {
		return fmt.Errorf("max depth must be nonnegative, got %d", c.MaxDepth)
	}
	if c.MaxPapers < 0 {
		return fmt.Errorf("max papers must be nonnegative, got %d", c.MaxPapers)
	}
	if c.MaxFanoutPerPaper <= 0 {
		return fmt.Errorf("max fanout must be positive, got %d", c.MaxFanoutPerPaper)
	}
	return nil
}

type shard struct {
	mu  sync.Mutex
	ids map[model.PaperID]struct{}
}

// Frontier is safe for concurrent use by multiple workers.
type Frontier struct {
	config Config

	shards  [visitedShards]shard
	claimed atomic.Int64

	mu    sync.Mutex
	queue []Item
}

// New returns an empty frontier with the given bounds.
func New(cfg Config) (*Frontier, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("frontier config: %w", err)
	}
	f := &Frontier{config: cfg}
	for i := range f.shards {
		f.shards[i].ids = make(map[model.PaperID]struct{})
	}
	return f, nil
}

func (f *Frontier) shardFor(id model.PaperID) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &f.shards[h.Sum32()%visitedShards]
}

// claim inserts id into the visited set if absent and the paper budget
// allows. The insert and the budget check are atomic with respect to
// concurrent claims of the same id.
func (f *Frontier) claim(id model.PaperID) bool {
	s := f.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if f.config.MaxPapers > 0 {
		if n := f.claimed.Add(1); n > int64(f.config.MaxPapers) {
			f.claimed.Add(-1)
			return false
		}
	} else {
		f.claimed.Add(1)
	}
	s.ids[id] = struct{}{}
	return true
}

// Seed claims the seed ids at depth 0 and queues them. Already-claimed
// ids are skipped. Returns how many seeds were accepted.
func (f *Frontier) Seed(ids []model.PaperID) int {
	accepted := 0
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if id == "" || !f.claim(id) {
			continue
		}
		f.queue = append(f.queue, Item{ID: id, Depth: 0})
		accepted++
	}
	return accepted
}

// EnqueueNeighbors claims and queues the neighbors of parent discovered
// at parentDepth, honoring the depth, budget and fanout bounds. Ordering
// among accepted neighbors is insertion order. Returns the accepted ids.
func (f *Frontier) EnqueueNeighbors(parent model.PaperID, neighbors []model.PaperID, parentDepth int) []model.PaperID {
	depth := parentDepth + 1
	if depth > f.config.MaxDepth {
		return nil
	}

	var accepted []model.PaperID
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range neighbors {
		if len(accepted) >= f.config.MaxFanoutPerPaper {
			break
		}
		if id == "" || id == parent || !f.claim(id) {
			continue
		}
		f.queue = append(f.queue, Item{ID: id, Depth: depth})
		accepted = append(accepted, id)
	}
	return accepted
}

// Next pops the oldest queued item. ok is false when the queue is
// empty; emptiness is not exhaustion while workers are still fetching,
// so the coordinator tracks in-flight work separately.
func (f *Frontier) Next() (item Item, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return Item{}, false
	}
	item = f.queue[0]
	f.queue = f.queue[1:]
	return item, true
}

// Requeue puts an already-claimed item back at the head of the queue,
// so a checkpoint taken during shutdown still covers in-flight work.
func (f *Frontier) Requeue(item Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append([]Item{item}, f.queue...)
}

// MarkVisited claims ids without queueing them. Used on resume to seed
// the visited set from papers already persisted; they count against the
// paper budget.
func (f *Frontier) MarkVisited(ids []model.PaperID) {
	for _, id := range ids {
		if id != "" {
			f.claim(id)
		}
	}
}

// Restore claims and queues checkpointed items, preserving their order
// and recorded depth. Items already visited are dropped.
func (f *Frontier) Restore(items []Item) int {
	accepted := 0
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range items {
		if it.ID == "" || !f.claim(it.ID) {
			continue
		}
		f.queue = append(f.queue, it)
		accepted++
	}
	return accepted
}

// Snapshot copies the current queue, oldest first. Used for checkpoints.
func (f *Frontier) Snapshot() []Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Item, len(f.queue))
	copy(out, f.queue)
	return out
}

// QueueLen reports how many items are waiting.
func (f *Frontier) QueueLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

// VisitedCount reports how many ids have been claimed.
func (f *Frontier) VisitedCount() int {
	return int(f.claimed.Load())
}

// Visited reports whether id has been claimed.
func (f *Frontier) Visited(id model.PaperID) bool {
	s := f.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}
