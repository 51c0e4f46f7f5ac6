package http_api

import (
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
)

type pipelineJSON struct {
	ID          int64      `json:"id"`
	ProjectID   int64      `json:"project_id"`
	ProjectName string     `json:"project_name"`
	Ref         string     `json:"ref"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	Duration    *int64     `json:"duration"`
	AuthorID    *int64     `json:"author_id"`
	AuthorName  *string    `json:"author_name"`
	WebURL      string     `json:"web_url,omitempty"`
}

func toPipelineJSON(p domain.Pipeline) pipelineJSON {
	return pipelineJSON{
		ID:          p.ID,
		ProjectID:   p.ProjectID,
		ProjectName: p.ProjectName,
		Ref:         p.Ref,
		Status:      string(p.Status),
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
		FinishedAt:  p.FinishedAt,
		Duration:    p.Duration,
		AuthorID:    p.AuthorID,
		AuthorName:  p.AuthorName,
		WebURL:      p.WebURL,
	}
}

type projectJSON struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Path  string `json:"path,omitempty"`
	Group string `json:"group,omitempty"`
}
