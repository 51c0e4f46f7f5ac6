package domain

import (
	"context"
	"time"
)

type GitlabClient interface {
	ListPipelines(ctx context.Context, ref ProjectRef, opt ListOptions) (PipelinePage, error)
	GetPipeline(ctx context.Context, projectID, pipelineID int64) (Pipeline, error)
	FetchAuthor(ctx context.Context, userID int64) (string, error)
	ListGroupProjects(ctx context.Context, group string) ([]Project, error)
}

type Store interface {
	IsEmpty(ctx context.Context) (bool, error)
	UpsertPipelines(ctx context.Context, batch []Pipeline) (int, error)
	Watermark(ctx context.Context, projectID int64) (Watermark, bool, error)
	AdvanceWatermark(ctx context.Context, projectID int64, cursor time.Time) (Watermark, error)
	UpsertProjects(ctx context.Context, projects []Project) error
	Reset(ctx context.Context) error

	QueryAggregateStats(ctx context.Context, f PipelineFilter) (Stats, error)
	QueryTrend(ctx context.Context, f PipelineFilter) ([]TrendPoint, error)
	QueryProjectStats(ctx context.Context, f PipelineFilter) ([]ProjectStat, error)
	ListPipelines(ctx context.Context, f PipelineFilter, p Page) ([]Pipeline, error)
	ListProjects(ctx context.Context) ([]Project, error)
	ListRefs(ctx context.Context) ([]string, error)

	FindPipelinesMissingEnrichment(ctx context.Context, limit int) ([]Pipeline, error)
	SetAuthorName(ctx context.Context, pipelineID int64, name string) error
	MarkAuthorNotFound(ctx context.Context, pipelineID int64, retryAt *time.Time) error
	DeferEnrichment(ctx context.Context, pipelineID int64, retryAt time.Time) error
}

type StatusCache interface {
	Write(ctx context.Context, s Snapshot) error
}

// Recorder receives ingestion counters. Implementations must be safe for
// concurrent use.
type Recorder interface {
	PipelinesUpserted(phase string, n int)
	PollFailed(projectID int64)
	Enriched(outcome string)
	Ready()
}

type NopRecorder struct{}

func (NopRecorder) PipelinesUpserted(string, int) {}
func (NopRecorder) PollFailed(int64)              {}
func (NopRecorder) Enriched(string)               {}
func (NopRecorder) Ready()                        {}
