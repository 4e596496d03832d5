package metadata

import (
	"context"
	"strconv"
	"time"

	"github.com/citegraph/citegraphd/internal/cache"
	"github.com/citegraph/citegraphd/internal/model"
)

// CachedProvider fronts a Provider with a TTL cache so repeated fetches
// for the same id, within or across runs, cost one upstream call.
// Errors are never cached.
type CachedProvider struct {
	inner Provider
	cache *cache.Cache
	ttl   time.Duration
}

// NewCachedProvider wraps inner. A zero ttl defaults to one hour.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	if ttl == 0 {
		ttl = time.Hour
	}
	return &CachedProvider{inner: inner, cache: cache.New(), ttl: ttl}
}

func (c *CachedProvider) GetPaper(ctx context.Context, id model.PaperID) (*Record, error) {
	v, err := c.cache.GetOrCompute(ctx, cache.Key("meta_paper", id), c.ttl, func(ctx context.Context) (any, error) {
		return c.inner.GetPaper(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

func (c *CachedProvider) GetReferences(ctx context.Context, id model.PaperID, cursor int) (*EdgePage, error) {
	return c.cachedEdges(ctx, "meta_refs", id, cursor, c.inner.GetReferences)
}

func (c *CachedProvider) GetCitations(ctx context.Context, id model.PaperID, cursor int) (*EdgePage, error) {
	return c.cachedEdges(ctx, "meta_cites", id, cursor, c.inner.GetCitations)
}

func (c *CachedProvider) cachedEdges(ctx context.Context, op string, id model.PaperID, cursor int,
	fetch func(context.Context, model.PaperID, int) (*EdgePage, error)) (*EdgePage, error) {

	v, err := c.cache.GetOrCompute(ctx, cache.Key(op, id, strconv.Itoa(cursor)), c.ttl, func(ctx context.Context) (any, error) {
		return fetch(ctx, id, cursor)
	})
	if err != nil {
		return nil, err
	}
	return v.(*EdgePage), nil
}
