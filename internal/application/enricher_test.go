package application

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestEnricher(t *testing.T, gl domain.GitlabClient, store domain.Store, cfg EnricherConfig) *Enricher {
	t.Helper()
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	e, err := NewEnricher(zaptest.NewLogger(t), gl, store, nil, cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func seedAuthored(t *testing.T, store domain.Store, rows ...domain.Pipeline) {
	t.Helper()
	_, err := store.UpsertPipelines(context.Background(), rows)
	require.NoError(t, err)
}

func authored(id, author int64, created time.Time) domain.Pipeline {
	p := pl(1, id, domain.StatusSuccess, created)
	p.AuthorID = ptr(author)
	return p
}

func authorNames(t *testing.T, store domain.Store) map[int64]string {
	t.Helper()
	rows, err := store.ListPipelines(context.Background(), domain.PipelineFilter{}, domain.Page{})
	require.NoError(t, err)
	out := map[int64]string{}
	for _, p := range rows {
		if p.AuthorName != nil {
			out[p.ID] = *p.AuthorName
		}
	}
	return out
}

func TestEnricher_ResolvesOldestFirst(t *testing.T) {
	store := newStore(t)
	seedAuthored(t, store,
		authored(1, 11, now.Add(-3*time.Hour)),
		authored(2, 12, now.Add(-2*time.Hour)),
		authored(3, 13, now.Add(-1*time.Hour)),
	)
	gl := &domain.MockGitLab{Authors: map[int64]string{11: "ann", 12: "bob", 13: "cid"}}

	e := newTestEnricher(t, gl, store, EnricherConfig{BatchSize: 2})
	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Scanned)
	assert.Equal(t, 2, res.Resolved)
	assert.Equal(t, map[int64]string{1: "ann", 2: "bob"}, authorNames(t, store))

	res, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Len(t, authorNames(t, store), 3)
}

func TestEnricher_SkipsRowsWithoutAuthor(t *testing.T) {
	store := newStore(t)
	seedAuthored(t, store, pl(1, 1, domain.StatusSuccess, now.Add(-time.Hour)))
	gl := &domain.MockGitLab{}

	res, err := newTestEnricher(t, gl, store, EnricherConfig{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
	_, authors := gl.Calls()
	assert.Zero(t, authors)
}

func TestEnricher_UsesNameCache(t *testing.T) {
	store := newStore(t)
	seedAuthored(t, store, authored(1, 7, now.Add(-2*time.Hour)))
	gl := &domain.MockGitLab{Authors: map[int64]string{7: "dee"}}
	e := newTestEnricher(t, gl, store, EnricherConfig{})

	_, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	e.names.Wait()

	seedAuthored(t, store, authored(2, 7, now.Add(-time.Hour)))
	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.CacheHits)
	assert.Equal(t, 1, res.Resolved)

	_, authors := gl.Calls()
	assert.Equal(t, 1, authors)
	assert.Equal(t, map[int64]string{1: "dee", 2: "dee"}, authorNames(t, store))
}

func TestEnricher_PermanentNotFoundIsNotRetried(t *testing.T) {
	store := newStore(t)
	seedAuthored(t, store, authored(1, 9, now.Add(-time.Hour)))
	gl := &domain.MockGitLab{}
	e := newTestEnricher(t, gl, store, EnricherConfig{NotFound: NotFoundPolicy{Mode: NotFoundPermanent}})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.NotFound)

	res, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)

	_, authors := gl.Calls()
	assert.Equal(t, 1, authors)
	assert.Empty(t, authorNames(t, store))
}

func TestEnricher_RetryPolicyGivesUpAfterMaxAttempts(t *testing.T) {
	store := newStore(t)
	seedAuthored(t, store, authored(1, 9, now.Add(-time.Hour)))
	gl := &domain.MockGitLab{}
	e := newTestEnricher(t, gl, store, EnricherConfig{
		NotFound: NotFoundPolicy{Mode: NotFoundRetry, RetryAfter: time.Nanosecond, MaxAttempts: 2},
	})

	for i := 0; i < 2; i++ {
		res, err := e.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, res.NotFound, "attempt %d", i+1)
	}

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)

	_, authors := gl.Calls()
	assert.Equal(t, 2, authors)
}

func TestEnricher_TransientFailureDoesNotBlockOthers(t *testing.T) {
	store := newStore(t)
	seedAuthored(t, store,
		authored(1, 1, now.Add(-3*time.Hour)),
		authored(2, 2, now.Add(-2*time.Hour)),
		authored(3, 3, now.Add(-1*time.Hour)),
	)
	gl := &domain.MockGitLab{
		Authors:    map[int64]string{1: "a", 2: "b", 3: "c"},
		AuthorErrs: map[int64]error{1: fmt.Errorf("%w: gitlab 502", domain.ErrTransient)},
	}
	// The fixed clock is in the past, so the deferred row is due again at once.
	e := newTestEnricher(t, gl, store, EnricherConfig{Now: clock})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Resolved)
	assert.Equal(t, 1, res.Deferred)
	assert.Equal(t, map[int64]string{2: "b", 3: "c"}, authorNames(t, store))

	gl.AuthorErrs = nil
	res, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Len(t, authorNames(t, store), 3)
}

func TestEnricher_DeferredRowsDoNotStallNewerOnes(t *testing.T) {
	store := newStore(t)
	seedAuthored(t, store,
		authored(1, 1, now.Add(-4*time.Hour)),
		authored(2, 2, now.Add(-3*time.Hour)),
		authored(3, 3, now.Add(-2*time.Hour)),
		authored(4, 4, now.Add(-1*time.Hour)),
	)
	gl := &domain.MockGitLab{
		Authors: map[int64]string{4: "dan"},
		AuthorErrs: map[int64]error{
			1: errors.New("gitlab 400 Bad Request"),
			2: errors.New("gitlab 400 Bad Request"),
			3: fmt.Errorf("%w: gitlab 503", domain.ErrTransient),
		},
	}
	e := newTestEnricher(t, gl, store, EnricherConfig{BatchSize: 3, Interval: time.Hour})

	res, err := e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 3, res.Deferred)

	res, err = e.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, map[int64]string{4: "dan"}, authorNames(t, store))
}

func TestEnricher_DeferBackoff(t *testing.T) {
	e := newTestEnricher(t, &domain.MockGitLab{}, newStore(t), EnricherConfig{
		Interval: time.Minute,
		NotFound: NotFoundPolicy{RetryAfter: time.Hour},
	})

	assert.Equal(t, time.Minute, e.deferBackoff(0))
	assert.Equal(t, 4*time.Minute, e.deferBackoff(2))
	assert.Equal(t, time.Hour, e.deferBackoff(6))
	assert.Equal(t, time.Hour, e.deferBackoff(1000))
}

func TestEnricher_UnauthorizedFailsBatch(t *testing.T) {
	store := newStore(t)
	seedAuthored(t, store, authored(1, 1, now.Add(-time.Hour)))
	gl := &domain.MockGitLab{AuthorErrs: map[int64]error{1: fmt.Errorf("%w: gitlab 401", domain.ErrUnauthorized)}}

	_, err := newTestEnricher(t, gl, store, EnricherConfig{}).RunOnce(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Empty(t, authorNames(t, store))
}

// blockingAuthors parks FetchAuthor until release is closed.
type blockingAuthors struct {
	*domain.MockGitLab
	entered chan struct{}
	release chan struct{}
}

func (b *blockingAuthors) FetchAuthor(ctx context.Context, id int64) (string, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.MockGitLab.FetchAuthor(ctx, id)
}

func TestEnricher_StatsStayAvailableMidBatch(t *testing.T) {
	store := newStore(t)
	seedAuthored(t, store, authored(1, 1, now.Add(-time.Hour)))
	gl := &blockingAuthors{
		MockGitLab: &domain.MockGitLab{Authors: map[int64]string{1: "a"}},
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	e := newTestEnricher(t, gl, store, EnricherConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := e.RunOnce(context.Background())
		done <- err
	}()
	<-gl.entered

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := store.QueryAggregateStats(ctx, domain.PipelineFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.TotalCount)

	close(gl.release)
	require.NoError(t, <-done)
	assert.Equal(t, map[int64]string{1: "a"}, authorNames(t, store))
}

func TestNotFoundPolicy_RetryAt(t *testing.T) {
	cases := []struct {
		name     string
		policy   NotFoundPolicy
		failures int
		want     *time.Time
	}{
		{"permanent", NotFoundPolicy{Mode: NotFoundPermanent, RetryAfter: time.Hour}, 0, nil},
		{"retry unbounded", NotFoundPolicy{Mode: NotFoundRetry, RetryAfter: time.Hour}, 40, ptr(now.Add(time.Hour))},
		{"retry first failure", NotFoundPolicy{Mode: NotFoundRetry, RetryAfter: time.Hour, MaxAttempts: 3}, 0, ptr(now.Add(time.Hour))},
		{"retry last allowed", NotFoundPolicy{Mode: NotFoundRetry, RetryAfter: time.Hour, MaxAttempts: 3}, 2, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.policy.retryAt(tc.failures, now))
		})
	}
}
