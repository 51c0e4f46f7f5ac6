package application

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
	"github.com/davarch/ci-ingest/internal/infrastructure/store_sqlite"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func newStore(t *testing.T) *store_sqlite.Store {
	t.Helper()
	s, err := store_sqlite.Open(filepath.Join(t.TempDir(), "pipelines.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr[T any](v T) *T { return &v }

func pl(projectID, id int64, status domain.PipelineStatus, created time.Time) domain.Pipeline {
	return domain.Pipeline{
		ID: id, ProjectID: projectID, Ref: "main", Status: status,
		CreatedAt: created, UpdatedAt: created,
	}
}

// dailyHistory returns one pipeline per day, newest first, starting an hour
// before now.
func dailyHistory(projectID int64, days int) []domain.Pipeline {
	out := make([]domain.Pipeline, 0, days)
	for i := 0; i < days; i++ {
		created := now.Add(-time.Duration(i)*24*time.Hour - time.Hour)
		p := pl(projectID, projectID*1000+int64(i), domain.StatusSuccess, created)
		p.Duration = ptr(int64(60))
		p.AuthorID = ptr(int64(i%3 + 1))
		out = append(out, p)
	}
	return out
}

func count(t *testing.T, s domain.Store) int64 {
	t.Helper()
	st, err := s.QueryAggregateStats(context.Background(), domain.PipelineFilter{})
	require.NoError(t, err)
	return st.TotalCount
}

// fixedErrGitLab fails ListPipelines for the listed projects.
type fixedErrGitLab struct {
	*domain.MockGitLab
	fail map[int64]error
}

func (f *fixedErrGitLab) ListPipelines(ctx context.Context, ref domain.ProjectRef, opt domain.ListOptions) (domain.PipelinePage, error) {
	if err, ok := f.fail[ref.ProjectID]; ok {
		return domain.PipelinePage{}, err
	}
	return f.MockGitLab.ListPipelines(ctx, ref, opt)
}
