package application

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func backfillCfg(days int) BackfillConfig {
	return BackfillConfig{
		Days:            days,
		Concurrency:     2,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Now:             clock,
	}
}

func TestBackfill_ImportsWindowAndOpensGate(t *testing.T) {
	store := newStore(t)
	gl := &domain.MockGitLab{PageSize: 7}
	gl.SetPipelines(1, dailyHistory(1, 45)...)

	ctx := context.Background()
	decision, err := DecideStartup(ctx, store)
	require.NoError(t, err)
	require.True(t, decision.StoreEmpty)

	ready := NewReadiness()
	c := NewBackfillCoordinator(zaptest.NewLogger(t), NewPollUseCase(gl, store, nil), store, ready, nil,
		[]domain.Project{{ID: 1, Name: "api"}}, decision, backfillCfg(30))

	require.NoError(t, c.Run(ctx))

	assert.True(t, ready.Ready())
	assert.Equal(t, StateReady, c.State())
	assert.Equal(t, []BackfillState{StateIdle, StateChecking, StateRunning, StateReady}, c.History())
	assert.True(t, c.Imported())
	assert.Equal(t, int64(30), count(t, store))

	oldest, err := store.ListPipelines(ctx, domain.PipelineFilter{}, domain.Page{Limit: 1, Offset: 29})
	require.NoError(t, err)
	require.Len(t, oldest, 1)
	assert.False(t, oldest[0].CreatedAt.Before(now.Add(-30*24*time.Hour)))
	assert.Equal(t, "api", oldest[0].ProjectName)

	wm, ok, err := store.Watermark(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, now.Add(-time.Hour), wm.Cursor)
}

func TestBackfill_SkippedWhenStoreNotEmpty(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	_, err := store.UpsertPipelines(ctx, []domain.Pipeline{pl(1, 1, domain.StatusSuccess, now.Add(-time.Hour))})
	require.NoError(t, err)

	gl := &domain.MockGitLab{}
	gl.SetPipelines(1, dailyHistory(1, 45)...)

	decision, err := DecideStartup(ctx, store)
	require.NoError(t, err)
	require.False(t, decision.StoreEmpty)

	ready := NewReadiness()
	c := NewBackfillCoordinator(zaptest.NewLogger(t), NewPollUseCase(gl, store, nil), store, ready, nil,
		[]domain.Project{{ID: 1}}, decision, backfillCfg(30))
	require.NoError(t, c.Run(ctx))

	list, _ := gl.Calls()
	assert.Zero(t, list)
	assert.True(t, ready.Ready())
	assert.Equal(t, []BackfillState{StateIdle, StateChecking, StateSkipped, StateReady}, c.History())
	assert.False(t, c.Imported())
	assert.Equal(t, int64(1), count(t, store))
}

func TestBackfill_SkippedWithoutWindow(t *testing.T) {
	store := newStore(t)
	gl := &domain.MockGitLab{}
	gl.SetPipelines(1, dailyHistory(1, 3)...)

	ready := NewReadiness()
	c := NewBackfillCoordinator(zaptest.NewLogger(t), NewPollUseCase(gl, store, nil), store, ready, nil,
		[]domain.Project{{ID: 1}}, StartupDecision{StoreEmpty: true}, backfillCfg(0))
	require.NoError(t, c.Run(context.Background()))

	list, _ := gl.Calls()
	assert.Zero(t, list)
	assert.True(t, ready.Ready())
	assert.Equal(t, StateReady, c.State())
}

func TestBackfill_RateLimitedFirstPageIsRetried(t *testing.T) {
	store := newStore(t)
	gl := &domain.MockGitLab{
		PageSize: 5,
		ListErrs: []error{fmt.Errorf("%w: gitlab 429", domain.ErrRateLimited)},
	}
	gl.SetPipelines(1, dailyHistory(1, 12)...)

	ready := NewReadiness()
	c := NewBackfillCoordinator(zaptest.NewLogger(t), NewPollUseCase(gl, store, nil), store, ready, nil,
		[]domain.Project{{ID: 1}}, StartupDecision{StoreEmpty: true}, backfillCfg(30))
	require.NoError(t, c.Run(context.Background()))

	assert.True(t, ready.Ready())
	assert.Equal(t, int64(12), count(t, store))
	list, _ := gl.Calls()
	assert.Equal(t, 4, list)
}

func TestBackfill_RetryResumesFromWatermark(t *testing.T) {
	store := newStore(t)
	gl := &domain.MockGitLab{PageSize: 4}
	gl.SetPipelines(1, dailyHistory(1, 12)...)

	// second page fails once with a transient error
	calls := 0
	gl.OnList = func(domain.ProjectRef) {
		calls++
		if calls == 2 {
			gl.ListErrs = []error{fmt.Errorf("%w: gitlab 502", domain.ErrTransient)}
		}
	}

	ready := NewReadiness()
	c := NewBackfillCoordinator(zaptest.NewLogger(t), NewPollUseCase(gl, store, nil), store, ready, nil,
		[]domain.Project{{ID: 1}}, StartupDecision{StoreEmpty: true}, backfillCfg(30))
	c.cfg.Concurrency = 1
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, int64(12), count(t, store))
}

// listRecorder keeps the options of every ListPipelines call.
type listRecorder struct {
	*domain.MockGitLab
	mu   sync.Mutex
	opts []domain.ListOptions
}

func (l *listRecorder) ListPipelines(ctx context.Context, ref domain.ProjectRef, opt domain.ListOptions) (domain.PipelinePage, error) {
	l.mu.Lock()
	l.opts = append(l.opts, opt)
	l.mu.Unlock()
	return l.MockGitLab.ListPipelines(ctx, ref, opt)
}

func TestBackfill_ResumeAppliesOverlap(t *testing.T) {
	cutoff := now.AddDate(0, 0, -30)
	cases := []struct {
		name      string
		watermark time.Time
		want      time.Time
	}{
		{"mid window", now.AddDate(0, 0, -5), now.AddDate(0, 0, -5).Add(-time.Hour)},
		{"clamped to cutoff", cutoff.Add(10 * time.Minute), cutoff},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t)
			_, err := store.AdvanceWatermark(context.Background(), 1, tc.watermark)
			require.NoError(t, err)

			gl := &listRecorder{MockGitLab: &domain.MockGitLab{}}
			cfg := backfillCfg(30)
			cfg.Overlap = time.Hour
			c := NewBackfillCoordinator(zaptest.NewLogger(t), NewPollUseCase(gl, store, nil), store, NewReadiness(), nil,
				[]domain.Project{{ID: 1}}, StartupDecision{StoreEmpty: true}, cfg)
			require.NoError(t, c.Run(context.Background()))

			require.NotEmpty(t, gl.opts)
			assert.True(t, tc.want.Equal(gl.opts[0].UpdatedAfter), "got %s", gl.opts[0].UpdatedAfter)
		})
	}
}

func TestBackfill_FatalErrorKeepsGateClosedAndResets(t *testing.T) {
	store := newStore(t)
	mock := &domain.MockGitLab{PageSize: 5}
	mock.SetPipelines(1, dailyHistory(1, 10)...)
	mock.SetPipelines(2, dailyHistory(2, 10)...)
	gl := &fixedErrGitLab{MockGitLab: mock, fail: map[int64]error{
		2: fmt.Errorf("%w: gitlab 401", domain.ErrUnauthorized),
	}}

	ready := NewReadiness()
	cfg := backfillCfg(30)
	cfg.Concurrency = 1
	c := NewBackfillCoordinator(zaptest.NewLogger(t), NewPollUseCase(gl, store, nil), store, ready, nil,
		[]domain.Project{{ID: 1}, {ID: 2}}, StartupDecision{StoreEmpty: true}, cfg)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.False(t, ready.Ready())
	assert.Equal(t, StateFailed, c.State())
	assert.NotContains(t, c.History(), StateReady)

	empty, err := store.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.True(t, empty)
	_, ok, err := store.Watermark(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBackfill_RetriesExhaustedIsFatal(t *testing.T) {
	store := newStore(t)
	transient := fmt.Errorf("%w: gitlab 503", domain.ErrTransient)
	gl := &domain.MockGitLab{ListErrs: []error{transient, transient, transient}}
	gl.SetPipelines(1, dailyHistory(1, 3)...)

	ready := NewReadiness()
	c := NewBackfillCoordinator(zaptest.NewLogger(t), NewPollUseCase(gl, store, nil), store, ready, nil,
		[]domain.Project{{ID: 1}}, StartupDecision{StoreEmpty: true}, backfillCfg(30))

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.False(t, ready.Ready())
}

func TestBackfill_GateNeverOpenWhileRunning(t *testing.T) {
	store := newStore(t)
	gl := &domain.MockGitLab{PageSize: 3}
	gl.SetPipelines(1, dailyHistory(1, 9)...)

	ready := NewReadiness()
	var c *BackfillCoordinator
	var observed []bool
	gl.OnList = func(domain.ProjectRef) {
		observed = append(observed, ready.Ready() || c.State() != StateRunning)
	}

	c = NewBackfillCoordinator(zaptest.NewLogger(t), NewPollUseCase(gl, store, nil), store, ready, nil,
		[]domain.Project{{ID: 1}}, StartupDecision{StoreEmpty: true}, backfillCfg(30))
	c.cfg.Concurrency = 1
	require.NoError(t, c.Run(context.Background()))

	require.NotEmpty(t, observed)
	for _, bad := range observed {
		assert.False(t, bad)
	}
	assert.True(t, ready.Ready())
}

func TestBackfill_CanceledAborts(t *testing.T) {
	store := newStore(t)
	gl := &domain.MockGitLab{PageSize: 2}
	gl.SetPipelines(1, dailyHistory(1, 10)...)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	gl.OnList = func(domain.ProjectRef) {
		calls++
		if calls == 2 {
			cancel()
		}
	}

	ready := NewReadiness()
	c := NewBackfillCoordinator(zaptest.NewLogger(t), NewPollUseCase(gl, store, nil), store, ready, nil,
		[]domain.Project{{ID: 1}}, StartupDecision{StoreEmpty: true}, backfillCfg(30))
	c.cfg.Concurrency = 1

	err := c.Run(ctx)
	require.Error(t, err)
	assert.False(t, ready.Ready())

	empty, err := store.IsEmpty(context.Background())
	require.NoError(t, err)
	assert.True(t, empty)
}
