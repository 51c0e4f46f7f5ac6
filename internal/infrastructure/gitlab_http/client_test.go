package gitlab_http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string) *Client {
	return New(url+"/", "secret", Options{
		Timeout:         time.Second,
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	})
}

func TestListPipelines_PageAndCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/42/pipelines", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "updated_at", r.URL.Query().Get("order_by"))
		assert.Equal(t, "asc", r.URL.Query().Get("sort"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "2026-03-01T00:00:00Z", r.URL.Query().Get("updated_after"))

		w.Header().Set("X-Next-Page", "3")
		_, _ = w.Write([]byte(`[
			{"id": 1, "project_id": 42, "ref": "main", "status": "success",
			 "created_at": "2026-03-01T10:00:00Z", "updated_at": "2026-03-01T10:05:00Z"},
			{"id": 2, "ref": "dev", "status": "waiting_for_resource",
			 "created_at": "2026-03-01T11:00:00Z", "updated_at": "2026-03-01T11:00:00Z"}
		]`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	page, err := c.ListPipelines(context.Background(), domain.ProjectRef{ProjectID: 42}, domain.ListOptions{
		UpdatedAfter: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Cursor:       "2",
	})
	require.NoError(t, err)

	assert.Equal(t, "3", page.NextCursor)
	require.Len(t, page.Pipelines, 2)
	assert.Equal(t, domain.StatusSuccess, page.Pipelines[0].Status)
	assert.Equal(t, domain.StatusPending, page.Pipelines[1].Status)
	assert.Equal(t, int64(42), page.Pipelines[1].ProjectID)
}

func TestGetPipeline_Detail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/projects/42/pipelines/7", r.URL.Path)
		_, _ = w.Write([]byte(`{"id": 7, "project_id": 42, "ref": "main", "status": "failed",
			"created_at": "2026-03-01T10:00:00Z", "updated_at": "2026-03-01T10:02:00Z",
			"finished_at": "2026-03-01T10:02:00Z", "duration": null,
			"user": {"id": 99, "name": "ignored"}}`))
	}))
	defer srv.Close()

	p, err := newTestClient(srv.URL).GetPipeline(context.Background(), 42, 7)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, p.Status)
	require.NotNil(t, p.Duration)
	assert.Equal(t, int64(120), *p.Duration)
	require.NotNil(t, p.AuthorID)
	assert.Equal(t, int64(99), *p.AuthorID)
	assert.Nil(t, p.AuthorName)
}

func TestRetry_RateLimitedThenSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"id": 5, "name": "Ada Lovelace"}`))
	}))
	defer srv.Close()

	name, err := newTestClient(srv.URL).FetchAuthor(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", name)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRetry_TransientExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).ListPipelines(context.Background(), domain.ProjectRef{ProjectID: 1}, domain.ListOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestPermanentErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, want: domain.ErrUnauthorized},
		{name: "forbidden", status: http.StatusForbidden, want: domain.ErrUnauthorized},
		{name: "not found", status: http.StatusNotFound, want: domain.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).FetchAuthor(context.Background(), 1)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestListGroupProjects_FollowsPages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v4/groups/platform%2Fci/projects", r.URL.EscapedPath())
		assert.Equal(t, "true", r.URL.Query().Get("include_subgroups"))
		assert.Equal(t, "false", r.URL.Query().Get("archived"))

		switch r.URL.Query().Get("page") {
		case "1":
			w.Header().Set("X-Next-Page", "2")
			_, _ = w.Write([]byte(`[{"id": 1, "name": "api", "path_with_namespace": "platform/ci/api"}]`))
		default:
			_, _ = w.Write([]byte(`[{"id": 2, "name": "web", "path_with_namespace": "platform/ci/web"}]`))
		}
	}))
	defer srv.Close()

	ps, err := newTestClient(srv.URL).ListGroupProjects(context.Background(), "platform/ci")
	require.NoError(t, err)
	require.Len(t, ps, 2)
	assert.Equal(t, "platform/ci/web", ps[1].Path)
	assert.Equal(t, "platform/ci", ps[1].Group)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]domain.PipelineStatus{
		"success":  domain.StatusSuccess,
		"failed":   domain.StatusFailed,
		"running":  domain.StatusRunning,
		"canceled": domain.StatusCanceled,
		"skipped":  domain.StatusSkipped,
		"created":  domain.StatusPending,
		"manual":   domain.StatusOther,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapStatus(in), in)
	}
}
