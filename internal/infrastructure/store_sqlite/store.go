package store_sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
	create table if not exists pipelines (
		id integer primary key,
		project_id integer not null,
		project_name text not null default '',
		ref text not null default '',
		status text not null,
		created_at integer not null,
		updated_at integer not null,
		finished_at integer,
		duration integer,
		author_id integer,
		author_name text,
		web_url text not null default '',
		enrich_state text not null default 'pending',
		enrich_attempts integer not null default 0,
		next_enrich_at integer,
		check (duration is null or duration >= 0),
		check (finished_at is null or finished_at >= created_at)
	);
	create index if not exists idx_pipelines_project_created on pipelines(project_id, created_at desc);
	create index if not exists idx_pipelines_status_created on pipelines(status, created_at desc);
	create index if not exists idx_pipelines_enrich on pipelines(enrich_state, created_at) where author_name is null;

	create table if not exists projects (
		id integer primary key,
		name text not null default '',
		path text not null default '',
		group_path text not null default '',
		ref text not null default ''
	);

	create table if not exists watermarks (
		project_id integer primary key,
		cursor integer not null,
		updated_at integer not null
	);
`

const (
	enrichPending    = "pending"
	enrichResolved   = "resolved"
	enrichUnresolved = "unresolved"

	defaultPageLimit = 100
	maxPageLimit     = 1000
)

type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: store path is empty", domain.ErrStorage)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}

	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_journal_mode=WAL",
		"_synchronous=FULL",
		"_busy_timeout=5000",
		"_txlock=immediate",
	}

	db, err := sql.Open("sqlite3", path+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrStorage, path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate: %w", domain.ErrStorage, err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from pipelines)`).Scan(&exists); err != nil {
		return false, fmt.Errorf("%w: is empty: %w", domain.ErrStorage, err)
	}
	return !exists, nil
}

// UpsertPipelines writes the batch in one transaction. A row already stored
// with a newer updated_at is left untouched; a resolved author name is never
// replaced by a missing one.
func (s *Store) UpsertPipelines(ctx context.Context, batch []domain.Pipeline) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %w", domain.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		insert into pipelines (
			id, project_id, project_name, ref, status, created_at, updated_at,
			finished_at, duration, author_id, author_name, web_url, enrich_state
		) values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		on conflict(id) do update set
			project_id = excluded.project_id,
			project_name = case when excluded.project_name != '' then excluded.project_name else pipelines.project_name end,
			ref = excluded.ref,
			status = excluded.status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			finished_at = excluded.finished_at,
			duration = excluded.duration,
			author_id = coalesce(excluded.author_id, pipelines.author_id),
			author_name = coalesce(excluded.author_name, pipelines.author_name),
			web_url = case when excluded.web_url != '' then excluded.web_url else pipelines.web_url end,
			enrich_state = case when excluded.author_name is not null then 'resolved' else pipelines.enrich_state end
		where excluded.updated_at >= pipelines.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("%w: prepare upsert: %w", domain.ErrStorage, err)
	}
	defer func() { _ = stmt.Close() }()

	n := 0
	for _, p := range batch {
		p = p.Normalize()

		state := enrichPending
		if p.AuthorName != nil {
			state = enrichResolved
		}

		res, err := stmt.ExecContext(ctx,
			p.ID, p.ProjectID, p.ProjectName, p.Ref, string(p.Status),
			p.CreatedAt.Unix(), p.UpdatedAt.Unix(),
			unixOrNil(p.FinishedAt), int64OrNil(p.Duration), int64OrNil(p.AuthorID), stringOrNil(p.AuthorName),
			p.WebURL, state,
		)
		if err != nil {
			return 0, fmt.Errorf("%w: upsert pipeline %d: %w", domain.ErrStorage, p.ID, err)
		}
		if affected, err := res.RowsAffected(); err == nil {
			n += int(affected)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %w", domain.ErrStorage, err)
	}
	return n, nil
}

func (s *Store) Watermark(ctx context.Context, projectID int64) (domain.Watermark, bool, error) {
	var cursor, updated int64
	err := s.db.QueryRowContext(ctx,
		`select cursor, updated_at from watermarks where project_id = ?`, projectID,
	).Scan(&cursor, &updated)
	if err == sql.ErrNoRows {
		return domain.Watermark{ProjectID: projectID}, false, nil
	}
	if err != nil {
		return domain.Watermark{}, false, fmt.Errorf("%w: watermark %d: %w", domain.ErrStorage, projectID, err)
	}
	return domain.Watermark{
		ProjectID: projectID,
		Cursor:    time.Unix(cursor, 0).UTC(),
		UpdatedAt: time.Unix(updated, 0).UTC(),
	}, true, nil
}

// AdvanceWatermark never moves a cursor backwards; the stored value after the
// call is max(previous, cursor).
func (s *Store) AdvanceWatermark(ctx context.Context, projectID int64, cursor time.Time) (domain.Watermark, error) {
	_, err := s.db.ExecContext(ctx, `
		insert into watermarks (project_id, cursor, updated_at) values (?, ?, ?)
		on conflict(project_id) do update set
			cursor = max(watermarks.cursor, excluded.cursor),
			updated_at = excluded.updated_at
	`, projectID, cursor.Unix(), s.now().Unix())
	if err != nil {
		return domain.Watermark{}, fmt.Errorf("%w: advance watermark %d: %w", domain.ErrStorage, projectID, err)
	}

	wm, _, err := s.Watermark(ctx, projectID)
	return wm, err
}

func (s *Store) UpsertProjects(ctx context.Context, projects []domain.Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", domain.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range projects {
		_, err := tx.ExecContext(ctx, `
			insert into projects (id, name, path, group_path, ref) values (?, ?, ?, ?, ?)
			on conflict(id) do update set
				name = excluded.name, path = excluded.path,
				group_path = excluded.group_path, ref = excluded.ref
		`, p.ID, p.Name, p.Path, p.Group, p.Ref)
		if err != nil {
			return fmt.Errorf("%w: upsert project %d: %w", domain.ErrStorage, p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", domain.ErrStorage, err)
	}
	return nil
}

// Reset drops every pipeline and watermark so the next start is treated as a
// first run. Project metadata is kept.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", domain.ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{`delete from pipelines`, `delete from watermarks`} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%w: reset: %w", domain.ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", domain.ErrStorage, err)
	}
	return nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func int64OrNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringOrNil(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
