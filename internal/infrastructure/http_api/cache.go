package http_api

import (
	"context"
	"fmt"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
	"github.com/dgraph-io/ristretto"
)

// CachedQueries memoizes the aggregate views for a short TTL. Listings pass
// through untouched.
type CachedQueries struct {
	Queries
	cache *ristretto.Cache
	ttl   time.Duration
}

func NewCachedQueries(q Queries, ttl time.Duration) (*CachedQueries, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 10,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &CachedQueries{Queries: q, cache: c, ttl: ttl}, nil
}

func (c *CachedQueries) Close() { c.cache.Close() }

func (c *CachedQueries) QueryAggregateStats(ctx context.Context, f domain.PipelineFilter) (domain.Stats, error) {
	return cached(c, "summary", f, func() (domain.Stats, error) {
		return c.Queries.QueryAggregateStats(ctx, f)
	})
}

func (c *CachedQueries) QueryTrend(ctx context.Context, f domain.PipelineFilter) ([]domain.TrendPoint, error) {
	return cached(c, "trend", f, func() ([]domain.TrendPoint, error) {
		return c.Queries.QueryTrend(ctx, f)
	})
}

func (c *CachedQueries) QueryProjectStats(ctx context.Context, f domain.PipelineFilter) ([]domain.ProjectStat, error) {
	return cached(c, "projects", f, func() ([]domain.ProjectStat, error) {
		return c.Queries.QueryProjectStats(ctx, f)
	})
}

// cached never stores errors.
func cached[T any](c *CachedQueries, view string, f domain.PipelineFilter, load func() (T, error)) (T, error) {
	key := filterKey(view, f)
	if v, ok := c.cache.Get(key); ok {
		if out, ok := v.(T); ok {
			return out, nil
		}
	}

	out, err := load()
	if err != nil {
		return out, err
	}
	c.cache.SetWithTTL(key, out, 1, c.ttl)
	return out, nil
}

func filterKey(view string, f domain.PipelineFilter) string {
	return fmt.Sprintf("%s|%v|%v|%s|%s|%d|%d",
		view, f.ProjectIDs, f.ExcludeProjectIDs, f.Ref, f.Status, f.From.Unix(), f.To.Unix())
}
