package application

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
)

// SyncWindow bounds one project sync. UpdatedAfter is sent upstream;
// MinCreated drops older pipelines that were merely touched inside the window.
type SyncWindow struct {
	UpdatedAfter time.Time
	MinCreated   time.Time
}

type SyncResult struct {
	Pages     int
	Upserted  int
	Watermark time.Time
}

// PollUseCase pages through one project's pipelines, upserting each page and
// advancing the project watermark only after the page has been committed.
type PollUseCase struct {
	gl        domain.GitlabClient
	store     domain.Store
	refFilter *regexp.Regexp
}

func NewPollUseCase(gl domain.GitlabClient, store domain.Store, refFilter *regexp.Regexp) *PollUseCase {
	return &PollUseCase{gl: gl, store: store, refFilter: refFilter}
}

func (uc *PollUseCase) PollOnce(ctx context.Context, p domain.Project, w SyncWindow) (SyncResult, error) {
	var res SyncResult

	cursor := ""
	for {
		page, err := uc.gl.ListPipelines(ctx, p.ProjectRef(), domain.ListOptions{
			UpdatedAfter: w.UpdatedAfter,
			Cursor:       cursor,
		})
		if err != nil {
			return res, fmt.Errorf("list project %d page %q: %w", p.ID, cursor, err)
		}
		res.Pages++

		batch, high, err := uc.hydrate(ctx, p, page.Pipelines, w)
		if err != nil {
			return res, err
		}

		n, err := uc.store.UpsertPipelines(ctx, batch)
		if err != nil {
			return res, fmt.Errorf("upsert project %d: %w", p.ID, err)
		}
		res.Upserted += n

		// The page is durable; only now may the cursor move.
		if !high.IsZero() {
			wm, err := uc.store.AdvanceWatermark(ctx, p.ID, high)
			if err != nil {
				return res, fmt.Errorf("advance watermark project %d: %w", p.ID, err)
			}
			res.Watermark = wm.Cursor
		}

		if page.Last() {
			return res, nil
		}
		cursor = page.NextCursor
	}
}

// hydrate completes list summaries with the detail endpoint and applies the
// ref and creation filters. It returns the highest updated_at seen on the page,
// including filtered rows, so filtered pipelines are not fetched again.
func (uc *PollUseCase) hydrate(ctx context.Context, p domain.Project, summaries []domain.Pipeline, w SyncWindow) ([]domain.Pipeline, time.Time, error) {
	var (
		out  []domain.Pipeline
		high time.Time
	)

	for _, s := range summaries {
		if s.UpdatedAt.After(high) {
			high = s.UpdatedAt
		}
		if uc.refFilter != nil && !uc.refFilter.MatchString(s.Ref) {
			continue
		}
		if !w.MinCreated.IsZero() && s.CreatedAt.Before(w.MinCreated) {
			continue
		}

		full, err := uc.gl.GetPipeline(ctx, p.ID, s.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			full = s
		case err != nil:
			return nil, time.Time{}, fmt.Errorf("pipeline %d detail: %w", s.ID, err)
		}

		full.ProjectID = p.ID
		full.ProjectName = displayName(p)
		if full.UpdatedAt.Before(s.UpdatedAt) {
			full.UpdatedAt = s.UpdatedAt
		}
		out = append(out, full.Normalize())
	}

	return out, high, nil
}

func displayName(p domain.Project) string {
	switch {
	case p.Name != "":
		return p.Name
	case p.Path != "":
		return p.Path
	default:
		return fmt.Sprintf("project-%d", p.ID)
	}
}
