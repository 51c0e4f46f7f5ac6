package application

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type PollerConfig struct {
	Interval    time.Duration
	Overlap     time.Duration
	PauseFile   string
	Concurrency int
	Now         func() time.Time
}

// Poller is the steady-state incremental sync loop.
type Poller struct {
	log    *zap.Logger
	use    *PollUseCase
	store  domain.Store
	cache  domain.StatusCache
	rec    domain.Recorder
	tokens *ExecutionTokens
	cfg    PollerConfig

	mu       sync.RWMutex
	projects []domain.Project
}

func NewPoller(l *zap.Logger, u *PollUseCase, store domain.Store, cache domain.StatusCache, rec domain.Recorder, projects []domain.Project, cfg PollerConfig) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if rec == nil {
		rec = domain.NopRecorder{}
	}

	return &Poller{
		log: l.Named("poller"), use: u, store: store, cache: cache, rec: rec,
		tokens: NewExecutionTokens(), cfg: cfg, projects: projects,
	}
}

func (s *Poller) UpdateProjects(projects []domain.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects = projects
	s.log.Info("projects updated", zap.Int("projects", len(projects)))
}

func (s *Poller) Tokens() *ExecutionTokens { return s.tokens }

// Run ticks until ctx is done. An in-flight tick observes the same ctx and is
// abandoned on shutdown; no new tick starts after that.
func (s *Poller) Run(ctx context.Context) {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if ctx.Err() != nil {
				return
			}
			s.tick(ctx)
		}
	}
}

func (s *Poller) tick(ctx context.Context) {
	if s.isPaused() {
		s.log.Debug("paused: skipping poll")
		return
	}
	s.RunAll(ctx)
}

func (s *Poller) isPaused() bool {
	if s.cfg.PauseFile == "" {
		return false
	}
	_, err := os.Stat(s.cfg.PauseFile)
	return err == nil
}

// RunAll polls every project once. Failures are logged per project and never
// stop the others.
func (s *Poller) RunAll(ctx context.Context) {
	s.mu.RLock()
	projects := make([]domain.Project, len(s.projects))
	copy(projects, s.projects)
	s.mu.RUnlock()

	log := s.log.With(zap.String("run_id", uuid.NewString()))
	started := s.cfg.Now()

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, p := range projects {
		p := p
		g.Go(func() error {
			s.PollProject(ctx, log, p)
			return nil
		})
	}
	_ = g.Wait()

	log.Debug("poll cycle done", zap.Int("projects", len(projects)), zap.Duration("took", s.cfg.Now().Sub(started)))
	s.writeSnapshot(ctx, len(projects))
}

func (s *Poller) PollProject(ctx context.Context, log *zap.Logger, p domain.Project) {
	release, ok := s.tokens.TryAcquire(p.ID)
	if !ok {
		log.Debug("previous tick still running", zap.Int64("project", p.ID))
		return
	}
	defer release()

	since := s.cfg.Now().Add(-s.cfg.Overlap)
	wm, found, err := s.store.Watermark(ctx, p.ID)
	if err != nil {
		s.rec.PollFailed(p.ID)
		log.Warn("read watermark failed", zap.Int64("project", p.ID), zap.Error(err))
		return
	}
	if found {
		since = wm.Cursor.Add(-s.cfg.Overlap)
	}

	res, err := s.use.PollOnce(ctx, p, SyncWindow{UpdatedAfter: since})
	s.rec.PipelinesUpserted("poll", res.Upserted)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.rec.PollFailed(p.ID)
		log.Warn("poll failed",
			zap.Int64("project", p.ID),
			zap.String("ref", p.Ref),
			zap.Int("count", res.Upserted),
			zap.Error(err),
		)
		return
	}

	log.Debug("polled",
		zap.Int64("project", p.ID),
		zap.Int("pages", res.Pages),
		zap.Int("count", res.Upserted),
		zap.Time("since", since),
	)
}

func (s *Poller) writeSnapshot(ctx context.Context, projects int) {
	if s.cache == nil || ctx.Err() != nil {
		return
	}

	st, err := s.store.QueryAggregateStats(ctx, domain.PipelineFilter{})
	if err != nil {
		s.log.Warn("snapshot stats failed", zap.Error(err))
		return
	}
	snap := domain.Snapshot{Stats: st, Projects: projects, Ready: true, Retrieved: s.cfg.Now().Unix()}
	if err := s.cache.Write(ctx, snap); err != nil {
		s.log.Warn("snapshot write failed", zap.Error(err))
	}
}
