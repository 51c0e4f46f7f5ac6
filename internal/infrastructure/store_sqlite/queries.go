package store_sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
)

const pipelineColumns = `id, project_id, project_name, ref, status, created_at, updated_at,
	finished_at, duration, author_id, author_name, web_url, enrich_attempts`

// QueryAggregateStats averages duration over rows that have one and computes
// the success rate over finished pipelines only.
func (s *Store) QueryAggregateStats(ctx context.Context, f domain.PipelineFilter) (domain.Stats, error) {
	where, args := filterClause(f)

	var st domain.Stats
	err := s.db.QueryRowContext(ctx, `
		select
			count(*),
			coalesce(avg(duration), 0),
			coalesce(
				sum(case when status = 'success' then 1 else 0 end) * 100.0 /
				nullif(sum(case when status in ('success', 'failed', 'canceled') then 1 else 0 end), 0),
				0)
		from pipelines`+where, args...,
	).Scan(&st.TotalCount, &st.AvgDuration, &st.SuccessRate)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("%w: aggregate stats: %w", domain.ErrStorage, err)
	}
	return st, nil
}

const day = 24 * time.Hour

// trendWindow defaults to the last 30 days and widens ranges shorter than a
// day to the week before To.
func trendWindow(f domain.PipelineFilter, now time.Time) domain.PipelineFilter {
	if f.To.IsZero() {
		f.To = now
	}
	if f.From.IsZero() {
		f.From = f.To.Add(-30 * day)
	}
	if f.To.Sub(f.From) < day {
		f.From = f.To.Add(-7 * day)
	}
	return f
}

// QueryTrend returns per-day counts by status, newest day first.
func (s *Store) QueryTrend(ctx context.Context, f domain.PipelineFilter) ([]domain.TrendPoint, error) {
	where, args := filterClause(trendWindow(f, s.now()))

	rows, err := s.db.QueryContext(ctx, `
		select date(created_at, 'unixepoch'), status, count(*)
		from pipelines`+where+`
		group by 1, 2
		order by 1 desc, 2`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: trend: %w", domain.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	out := []domain.TrendPoint{}
	for rows.Next() {
		var (
			tp     domain.TrendPoint
			status string
		)
		if err := rows.Scan(&tp.Date, &status, &tp.Count); err != nil {
			return nil, fmt.Errorf("%w: scan trend: %w", domain.ErrStorage, err)
		}
		tp.Status = domain.PipelineStatus(status)
		out = append(out, tp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: trend: %w", domain.ErrStorage, err)
	}
	return out, nil
}

// QueryProjectStats aggregates per project. LastStatus is the status of the
// newest pipeline matching the same filter.
func (s *Store) QueryProjectStats(ctx context.Context, f domain.PipelineFilter) ([]domain.ProjectStat, error) {
	where, args := filterClause(f)
	// Unqualified columns inside the subquery bind to l.
	inner := strings.Replace(where, " where ", " and ", 1)
	all := append(append([]any{}, args...), args...)

	rows, err := s.db.QueryContext(ctx, `
		select
			project_id,
			max(project_name),
			count(*),
			coalesce(avg(duration), 0),
			(select l.status from pipelines l
				where l.project_id = p.project_id`+inner+`
				order by l.created_at desc, l.id desc limit 1)
		from pipelines p`+where+`
		group by project_id
		order by 2, 1`, all...)
	if err != nil {
		return nil, fmt.Errorf("%w: project stats: %w", domain.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	out := []domain.ProjectStat{}
	for rows.Next() {
		var (
			ps     domain.ProjectStat
			status string
		)
		if err := rows.Scan(&ps.ProjectID, &ps.ProjectName, &ps.Count, &ps.AvgDuration, &status); err != nil {
			return nil, fmt.Errorf("%w: scan project stats: %w", domain.ErrStorage, err)
		}
		ps.LastStatus = domain.PipelineStatus(status)
		out = append(out, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: project stats: %w", domain.ErrStorage, err)
	}
	return out, nil
}

// ListPipelines returns newest-created first.
func (s *Store) ListPipelines(ctx context.Context, f domain.PipelineFilter, p domain.Page) ([]domain.Pipeline, error) {
	where, args := filterClause(f)

	limit := p.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		`select `+pipelineColumns+` from pipelines`+where+` order by created_at desc, id desc limit ? offset ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list pipelines: %w", domain.ErrStorage, err)
	}
	return scanPipelines(rows)
}

func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := s.db.QueryContext(ctx, `select id, name, path, group_path, ref from projects order by name, id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list projects: %w", domain.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Path, &p.Group, &p.Ref); err != nil {
			return nil, fmt.Errorf("%w: scan project: %w", domain.ErrStorage, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list projects: %w", domain.ErrStorage, err)
	}
	return out, nil
}

func (s *Store) ListRefs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `select distinct ref from pipelines order by ref`)
	if err != nil {
		return nil, fmt.Errorf("%w: list refs: %w", domain.ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, fmt.Errorf("%w: scan ref: %w", domain.ErrStorage, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list refs: %w", domain.ErrStorage, err)
	}
	return out, nil
}

// FindPipelinesMissingEnrichment returns the oldest-created rows that carry an
// author id but no name, skipping rows marked unresolved or scheduled for a
// later retry.
func (s *Store) FindPipelinesMissingEnrichment(ctx context.Context, limit int) ([]domain.Pipeline, error) {
	if limit <= 0 {
		limit = defaultPageLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		select `+pipelineColumns+` from pipelines
		where author_name is null
			and author_id is not null
			and enrich_state = ?
			and (next_enrich_at is null or next_enrich_at <= ?)
		order by created_at asc, id asc
		limit ?
	`, enrichPending, s.now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: find missing enrichment: %w", domain.ErrStorage, err)
	}
	return scanPipelines(rows)
}

func (s *Store) SetAuthorName(ctx context.Context, pipelineID int64, name string) error {
	_, err := s.db.ExecContext(ctx, `
		update pipelines
		set author_name = ?, enrich_state = ?, next_enrich_at = null
		where id = ? and author_name is null
	`, name, enrichResolved, pipelineID)
	if err != nil {
		return fmt.Errorf("%w: set author %d: %w", domain.ErrStorage, pipelineID, err)
	}
	return nil
}

// MarkAuthorNotFound records a failed lookup. A nil retryAt marks the row
// permanently unresolved.
func (s *Store) MarkAuthorNotFound(ctx context.Context, pipelineID int64, retryAt *time.Time) error {
	var err error
	if retryAt == nil {
		_, err = s.db.ExecContext(ctx, `
			update pipelines
			set enrich_state = ?, enrich_attempts = enrich_attempts + 1, next_enrich_at = null
			where id = ? and author_name is null
		`, enrichUnresolved, pipelineID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			update pipelines
			set enrich_attempts = enrich_attempts + 1, next_enrich_at = ?
			where id = ? and author_name is null
		`, retryAt.Unix(), pipelineID)
	}
	if err != nil {
		return fmt.Errorf("%w: mark author not found %d: %w", domain.ErrStorage, pipelineID, err)
	}
	return nil
}

// DeferEnrichment records a failed lookup that is neither final nor fatal and
// hides the row from batches until retryAt.
func (s *Store) DeferEnrichment(ctx context.Context, pipelineID int64, retryAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update pipelines
		set enrich_attempts = enrich_attempts + 1, next_enrich_at = ?
		where id = ? and author_name is null
	`, retryAt.Unix(), pipelineID)
	if err != nil {
		return fmt.Errorf("%w: defer enrichment %d: %w", domain.ErrStorage, pipelineID, err)
	}
	return nil
}

func filterClause(f domain.PipelineFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)

	if len(f.ProjectIDs) > 0 {
		conds = append(conds, "project_id in ("+placeholders(len(f.ProjectIDs))+")")
		for _, id := range f.ProjectIDs {
			args = append(args, id)
		}
	}
	if len(f.ExcludeProjectIDs) > 0 {
		conds = append(conds, "project_id not in ("+placeholders(len(f.ExcludeProjectIDs))+")")
		for _, id := range f.ExcludeProjectIDs {
			args = append(args, id)
		}
	}
	if f.Ref != "" {
		conds = append(conds, "ref = ?")
		args = append(args, f.Ref)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.From.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.From.Unix())
	}
	if !f.To.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.To.Unix())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " where " + strings.Join(conds, " and "), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func scanPipelines(rows *sql.Rows) ([]domain.Pipeline, error) {
	defer func() { _ = rows.Close() }()

	var out []domain.Pipeline
	for rows.Next() {
		var (
			p                  domain.Pipeline
			status             string
			created, updated   int64
			finished, duration sql.NullInt64
			authorID           sql.NullInt64
			authorName         sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.ProjectName, &p.Ref, &status, &created, &updated,
			&finished, &duration, &authorID, &authorName, &p.WebURL, &p.EnrichAttempts); err != nil {
			return nil, fmt.Errorf("%w: scan pipeline: %w", domain.ErrStorage, err)
		}

		p.Status = domain.PipelineStatus(status)
		p.CreatedAt = time.Unix(created, 0).UTC()
		p.UpdatedAt = time.Unix(updated, 0).UTC()
		if finished.Valid {
			t := time.Unix(finished.Int64, 0).UTC()
			p.FinishedAt = &t
		}
		if duration.Valid {
			d := duration.Int64
			p.Duration = &d
		}
		if authorID.Valid {
			id := authorID.Int64
			p.AuthorID = &id
		}
		if authorName.Valid {
			n := authorName.String
			p.AuthorName = &n
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan pipelines: %w", domain.ErrStorage, err)
	}
	return out, nil
}
