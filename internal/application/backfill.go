package application

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-ingest/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type BackfillState string

const (
	StateIdle     BackfillState = "idle"
	StateChecking BackfillState = "checking"
	StateSkipped  BackfillState = "skipped"
	StateRunning  BackfillState = "running"
	StateReady    BackfillState = "ready"
	StateFailed   BackfillState = "failed"
)

type BackfillConfig struct {
	Days        int
	Concurrency int

	// Overlap re-reads the tail before a committed watermark when a retried
	// project resumes, so rows that shifted between pages are not skipped.
	Overlap time.Duration

	// Project-level retry for rate limits and transient failures that outlast
	// the client's own retries.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Now func() time.Time
}

// BackfillCoordinator runs the one-time historical import and is the only
// component that opens the readiness gate.
type BackfillCoordinator struct {
	log      *zap.Logger
	uc       *PollUseCase
	store    domain.Store
	ready    *Readiness
	rec      domain.Recorder
	projects []domain.Project
	decision StartupDecision
	cfg      BackfillConfig

	mu      sync.Mutex
	state   BackfillState
	history []BackfillState
}

func NewBackfillCoordinator(
	log *zap.Logger,
	uc *PollUseCase,
	store domain.Store,
	ready *Readiness,
	rec domain.Recorder,
	projects []domain.Project,
	decision StartupDecision,
	cfg BackfillConfig,
) *BackfillCoordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if rec == nil {
		rec = domain.NopRecorder{}
	}

	return &BackfillCoordinator{
		log:      log.Named("backfill"),
		uc:       uc,
		store:    store,
		ready:    ready,
		rec:      rec,
		projects: projects,
		decision: decision,
		cfg:      cfg,
		state:    StateIdle,
		history:  []BackfillState{StateIdle},
	}
}

func (c *BackfillCoordinator) State() BackfillState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns every state visited, in order.
func (c *BackfillCoordinator) History() []BackfillState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BackfillState, len(c.history))
	copy(out, c.history)
	return out
}

// Imported reports whether the gate opened after an actual import rather than
// a skip.
func (c *BackfillCoordinator) Imported() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateReady && slices.Contains(c.history, StateRunning)
}

func (c *BackfillCoordinator) set(s BackfillState) {
	c.mu.Lock()
	c.state = s
	c.history = append(c.history, s)
	c.mu.Unlock()
	c.log.Debug("state", zap.String("state", string(s)))
}

// Run drives the state machine to Ready or returns the error that made the
// backfill fail. On failure the gate stays closed and the store is reset so
// the next start backfills again.
func (c *BackfillCoordinator) Run(ctx context.Context) error {
	c.set(StateChecking)

	if !c.decision.StoreEmpty || c.cfg.Days <= 0 {
		c.log.Info("backfill skipped",
			zap.Bool("store_empty", c.decision.StoreEmpty),
			zap.Int("days", c.cfg.Days),
		)
		c.set(StateSkipped)
		c.open()
		return nil
	}

	c.set(StateRunning)
	cutoff := c.cfg.Now().Add(-time.Duration(c.cfg.Days) * 24 * time.Hour)
	c.log.Info("backfill started",
		zap.Int("projects", len(c.projects)),
		zap.Int("days", c.cfg.Days),
		zap.Time("cutoff", cutoff),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Concurrency)
	for _, p := range c.projects {
		p := p
		g.Go(func() error {
			return c.backfillProject(gctx, p, cutoff)
		})
	}

	if err := g.Wait(); err != nil {
		c.set(StateFailed)
		c.abort(ctx, err)
		return fmt.Errorf("backfill: %w", err)
	}

	c.log.Info("backfill complete", zap.Int("projects", len(c.projects)))
	c.open()
	return nil
}

func (c *BackfillCoordinator) open() {
	c.set(StateReady)
	c.ready.fire()
	c.rec.Ready()
}

func (c *BackfillCoordinator) backfillProject(ctx context.Context, p domain.Project, cutoff time.Time) error {
	log := c.log.With(zap.Int64("project", p.ID), zap.String("name", displayName(p)))
	total := 0

	op := func() error {
		// A retried project resumes from its committed watermark.
		after := cutoff
		wm, ok, err := c.store.Watermark(ctx, p.ID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if ok {
			if resume := wm.Cursor.Add(-c.cfg.Overlap); resume.After(after) {
				after = resume
			}
		}

		res, err := c.uc.PollOnce(ctx, p, SyncWindow{UpdatedAfter: after, MinCreated: cutoff})
		total += res.Upserted
		c.rec.PipelinesUpserted("backfill", res.Upserted)
		if err != nil {
			if domain.IsRetryable(err) && !errors.Is(err, context.Canceled) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxInterval = c.cfg.MaxInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxAttempts-1)), ctx)

	notify := func(err error, wait time.Duration) {
		log.Warn("backfill page failed, retrying", zap.Duration("wait", wait), zap.Error(err))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("project %d: %w", p.ID, err)
	}

	log.Info("project backfilled", zap.Int("count", total))
	return nil
}

func (c *BackfillCoordinator) abort(ctx context.Context, cause error) {
	c.log.Error("backfill aborted, discarding partial history", zap.Error(cause))
	if err := c.store.Reset(context.WithoutCancel(ctx)); err != nil {
		c.log.Error("reset after failed backfill", zap.Error(err))
	}
}
