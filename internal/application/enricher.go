package application

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
	"github.com/dgraph-io/ristretto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type NotFoundMode string

const (
	NotFoundPermanent NotFoundMode = "permanent"
	NotFoundRetry     NotFoundMode = "retry"
)

// NotFoundPolicy decides what happens to a row whose author lookup returned
// NotFound. MaxAttempts of zero retries forever under NotFoundRetry.
type NotFoundPolicy struct {
	Mode        NotFoundMode
	RetryAfter  time.Duration
	MaxAttempts int
}

func (p NotFoundPolicy) retryAt(failures int, now time.Time) *time.Time {
	if p.Mode != NotFoundRetry {
		return nil
	}
	if p.MaxAttempts > 0 && failures+1 >= p.MaxAttempts {
		return nil
	}
	t := now.Add(p.RetryAfter)
	return &t
}

type EnricherConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	CacheTTL    time.Duration
	NotFound    NotFoundPolicy
	Now         func() time.Time
}

type EnrichResult struct {
	Scanned   int
	Resolved  int
	NotFound  int
	Deferred  int
	CacheHits int
}

// Enricher fills in author display names in the background. It talks to the
// store only through its transactional methods and shares no state with the
// Poller.
type Enricher struct {
	log   *zap.Logger
	gl    domain.GitlabClient
	store domain.Store
	rec   domain.Recorder
	names *ristretto.Cache
	cfg   EnricherConfig
}

func NewEnricher(l *zap.Logger, gl domain.GitlabClient, store domain.Store, rec domain.Recorder, cfg EnricherConfig) (*Enricher, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.NotFound.Mode == "" {
		cfg.NotFound.Mode = NotFoundPermanent
	}
	if cfg.NotFound.RetryAfter <= 0 {
		cfg.NotFound.RetryAfter = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if rec == nil {
		rec = domain.NopRecorder{}
	}

	names, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Enricher{log: l.Named("enricher"), gl: gl, store: store, rec: rec, names: names, cfg: cfg}, nil
}

func (e *Enricher) Close() { e.names.Close() }

func (e *Enricher) Run(ctx context.Context) {
	t := time.NewTicker(e.cfg.Interval)
	defer t.Stop()

	e.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ctx.Err() != nil {
				return
			}
			e.tick(ctx)
		}
	}
}

func (e *Enricher) tick(ctx context.Context) {
	res, err := e.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Warn("enrichment batch failed", zap.Error(err))
		}
		return
	}
	if res.Scanned > 0 {
		e.log.Info("enrichment batch",
			zap.Int("scanned", res.Scanned),
			zap.Int("resolved", res.Resolved),
			zap.Int("not_found", res.NotFound),
			zap.Int("deferred", res.Deferred),
		)
	}
}

// RunOnce processes one bounded batch. Each record is persisted on its own;
// a failure on one record never blocks the rest. Only an authorization
// failure or a failed batch read is returned as an error.
func (e *Enricher) RunOnce(ctx context.Context) (EnrichResult, error) {
	batch, err := e.store.FindPipelinesMissingEnrichment(ctx, e.cfg.BatchSize)
	if err != nil {
		return EnrichResult{}, err
	}

	var resolved, notFound, deferred, hits atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, p := range batch {
		p := p
		if p.AuthorID == nil {
			continue
		}
		g.Go(func() error {
			authorID := *p.AuthorID
			log := e.log.With(zap.Int64("pipeline", p.ID), zap.Int64("author", authorID))

			name, cached := e.lookupCached(authorID)
			var lookupErr error
			if cached {
				hits.Add(1)
			} else {
				name, lookupErr = e.gl.FetchAuthor(gctx, authorID)
			}

			switch err := lookupErr; {
			case err == nil:
				if err := e.store.SetAuthorName(gctx, p.ID, name); err != nil {
					log.Warn("persist author failed", zap.Error(err))
					deferred.Add(1)
					e.rec.Enriched("deferred")
					return nil
				}
				e.names.SetWithTTL(authorID, name, 1, e.cfg.CacheTTL)
				resolved.Add(1)
				e.rec.Enriched("resolved")

			case errors.Is(err, domain.ErrNotFound):
				retryAt := e.cfg.NotFound.retryAt(p.EnrichAttempts, e.cfg.Now())
				if err := e.store.MarkAuthorNotFound(gctx, p.ID, retryAt); err != nil {
					log.Warn("mark author not found failed", zap.Error(err))
				}
				notFound.Add(1)
				e.rec.Enriched("not_found")

			case errors.Is(err, domain.ErrUnauthorized):
				e.rec.Enriched("deferred")
				return err

			default:
				if gctx.Err() == nil {
					log.Debug("author lookup deferred", zap.Error(err))
					retryAt := e.cfg.Now().Add(e.deferBackoff(p.EnrichAttempts))
					if err := e.store.DeferEnrichment(gctx, p.ID, retryAt); err != nil {
						log.Warn("defer enrichment failed", zap.Error(err))
					}
				}
				deferred.Add(1)
				e.rec.Enriched("deferred")
			}
			return nil
		})
	}

	err = g.Wait()
	return EnrichResult{
		Scanned:   len(batch),
		Resolved:  int(resolved.Load()),
		NotFound:  int(notFound.Load()),
		Deferred:  int(deferred.Load()),
		CacheHits: int(hits.Load()),
	}, err
}

// deferBackoff doubles from Interval with each failed attempt and is capped at
// the NotFound retry delay.
func (e *Enricher) deferBackoff(failures int) time.Duration {
	d := e.cfg.Interval
	for i, n := 0, min(failures, 16); i < n; i++ {
		d *= 2
		if d >= e.cfg.NotFound.RetryAfter {
			break
		}
	}
	return min(d, e.cfg.NotFound.RetryAfter)
}

func (e *Enricher) lookupCached(authorID int64) (string, bool) {
	v, ok := e.names.Get(authorID)
	if !ok {
		return "", false
	}
	name, ok := v.(string)
	return name, ok
}
