package domain

import "time"

type PipelineStatus string

const (
	StatusPending  PipelineStatus = "pending"
	StatusRunning  PipelineStatus = "running"
	StatusSuccess  PipelineStatus = "success"
	StatusFailed   PipelineStatus = "failed"
	StatusCanceled PipelineStatus = "canceled"
	StatusSkipped  PipelineStatus = "skipped"
	StatusOther    PipelineStatus = "other"
)

// Finished reports whether the status counts towards the success rate.
func (s PipelineStatus) Finished() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

func (s PipelineStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCanceled, StatusSkipped, StatusOther:
		return true
	}
	return false
}

type Pipeline struct {
	ID          int64
	ProjectID   int64
	ProjectName string
	Ref         string
	Status      PipelineStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
	FinishedAt  *time.Time
	Duration    *int64 // seconds
	AuthorID    *int64
	AuthorName  *string
	WebURL      string

	// EnrichAttempts counts failed author lookups; only set on rows read back
	// for enrichment.
	EnrichAttempts int
}

// Normalize enforces the record invariants: finished is never before created,
// duration is never negative and is derived from the timestamps when missing,
// and UpdatedAt is never zero.
func (p Pipeline) Normalize() Pipeline {
	if p.FinishedAt != nil && p.FinishedAt.Before(p.CreatedAt) {
		p.FinishedAt = nil
	}
	if p.Duration != nil && *p.Duration < 0 {
		p.Duration = nil
	}
	if p.Duration == nil && p.FinishedAt != nil {
		if d := int64(p.FinishedAt.Sub(p.CreatedAt) / time.Second); d > 0 {
			p.Duration = &d
		}
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
		if p.FinishedAt != nil {
			p.UpdatedAt = *p.FinishedAt
		}
	}
	return p
}

// ProjectRef addresses a project for listing; Ref optionally restricts the branch.
type ProjectRef struct {
	ProjectID int64
	Ref       string
}

type Project struct {
	ID    int64
	Name  string
	Path  string
	Group string
	Ref   string
}

func (p Project) ProjectRef() ProjectRef {
	return ProjectRef{ProjectID: p.ID, Ref: p.Ref}
}

type ListOptions struct {
	UpdatedAfter time.Time
	Cursor       string
}

type PipelinePage struct {
	Pipelines  []Pipeline
	NextCursor string
}

func (p PipelinePage) Last() bool { return p.NextCursor == "" }

type Watermark struct {
	ProjectID int64
	Cursor    time.Time
	UpdatedAt time.Time
}

type Stats struct {
	TotalCount  int64   `json:"total_count"`
	AvgDuration float64 `json:"avg_duration"`
	SuccessRate float64 `json:"success_rate"`
}

// TrendPoint counts pipelines of one status created on one UTC day.
type TrendPoint struct {
	Date   string         `json:"date"`
	Status PipelineStatus `json:"status"`
	Count  int64          `json:"count"`
}

type ProjectStat struct {
	ProjectID   int64          `json:"project_id"`
	ProjectName string         `json:"project_name"`
	Count       int64          `json:"count"`
	AvgDuration float64        `json:"avg_duration"`
	LastStatus  PipelineStatus `json:"last_status"`
}

type PipelineFilter struct {
	ProjectIDs        []int64
	ExcludeProjectIDs []int64
	Ref               string
	Status            PipelineStatus
	From              time.Time
	To                time.Time
}

type Page struct {
	Limit  int
	Offset int
}

type Snapshot struct {
	Stats     Stats
	Projects  int
	Ready     bool
	Retrieved int64
}
