// Package http_api serves read-only views of the pipeline store.
package http_api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Queries is the subset of the store the read API needs.
type Queries interface {
	QueryAggregateStats(ctx context.Context, f domain.PipelineFilter) (domain.Stats, error)
	QueryTrend(ctx context.Context, f domain.PipelineFilter) ([]domain.TrendPoint, error)
	QueryProjectStats(ctx context.Context, f domain.PipelineFilter) ([]domain.ProjectStat, error)
	ListPipelines(ctx context.Context, f domain.PipelineFilter, p domain.Page) ([]domain.Pipeline, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	ListRefs(ctx context.Context) ([]string, error)
}

type Option func(*options)

type options struct {
	metrics http.Handler
	ready   func() bool
}

func WithMetrics(h http.Handler) Option {
	return func(o *options) { o.metrics = h }
}

// WithReadiness reports the backfill gate on /healthz.
func WithReadiness(ready func() bool) Option {
	return func(o *options) { o.ready = ready }
}

type routes struct {
	q     Queries
	log   *zap.Logger
	ready func() bool
}

func NewRouter(q Queries, log *zap.Logger, opts ...Option) *chi.Mux {
	o := &options{ready: func() bool { return true }}
	for _, opt := range opts {
		opt(o)
	}

	rt := &routes{q: q, log: log.Named("http"), ready: o.ready}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(rt.logRequests)

	r.Get("/healthz", rt.health)
	if o.metrics != nil {
		r.Handle("/metrics", o.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats/summary", rt.statsSummary)
		r.Get("/stats/trend", rt.statsTrend)
		r.Get("/stats/projects", rt.statsProjects)
		r.Get("/pipelines", rt.listPipelines)
		r.Get("/projects", rt.listProjects)
		r.Get("/refs", rt.listRefs)
	})

	return r
}

func (rt *routes) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		rt.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (rt *routes) health(w http.ResponseWriter, _ *http.Request) {
	if !rt.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "backfilling"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *routes) statsSummary(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	st, err := rt.q.QueryAggregateStats(r.Context(), f)
	if err != nil {
		rt.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// statsTrend defaults to the last 30 days; a range under a day is widened to
// the preceding week.
func (rt *routes) statsTrend(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := rt.q.QueryTrend(r.Context(), f)
	if err != nil {
		rt.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (rt *routes) statsProjects(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stats, err := rt.q.QueryProjectStats(r.Context(), f)
	if err != nil {
		rt.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (rt *routes) listPipelines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := parsePage(q)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ps, err := rt.q.ListPipelines(r.Context(), f, page)
	if err != nil {
		rt.fail(w, err)
		return
	}

	out := make([]pipelineJSON, 0, len(ps))
	for _, p := range ps {
		out = append(out, toPipelineJSON(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (rt *routes) listProjects(w http.ResponseWriter, r *http.Request) {
	ps, err := rt.q.ListProjects(r.Context())
	if err != nil {
		rt.fail(w, err)
		return
	}

	out := make([]projectJSON, 0, len(ps))
	for _, p := range ps {
		out = append(out, projectJSON{ID: p.ID, Name: p.Name, Path: p.Path, Group: p.Group})
	}
	writeJSON(w, http.StatusOK, out)
}

func (rt *routes) listRefs(w http.ResponseWriter, r *http.Request) {
	refs, err := rt.q.ListRefs(r.Context())
	if err != nil {
		rt.fail(w, err)
		return
	}
	if refs == nil {
		refs = []string{}
	}
	writeJSON(w, http.StatusOK, refs)
}

func (rt *routes) fail(w http.ResponseWriter, err error) {
	rt.log.Error("query failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
