package domain

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// MockGitLab serves a fixed pipeline history per project, paged PageSize at a
// time in updated_at order.
type MockGitLab struct {
	mu sync.Mutex

	Pipelines map[int64][]Pipeline
	Authors   map[int64]string
	Groups    map[string][]Project
	PageSize  int

	// ListErrs are returned, one per call, before any page is served.
	ListErrs   []error
	AuthorErrs map[int64]error
	DetailErr  error

	// OnList runs outside the lock on every ListPipelines call.
	OnList func(ref ProjectRef)

	ListCalls   int
	AuthorCalls int
}

func (m *MockGitLab) ListPipelines(ctx context.Context, ref ProjectRef, opt ListOptions) (PipelinePage, error) {
	if m.OnList != nil {
		m.OnList(ref)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++

	if len(m.ListErrs) > 0 {
		err := m.ListErrs[0]
		m.ListErrs = m.ListErrs[1:]
		if err != nil {
			return PipelinePage{}, err
		}
	}

	var all []Pipeline
	for _, p := range m.Pipelines[ref.ProjectID] {
		if !opt.UpdatedAfter.IsZero() && p.UpdatedAt.Before(opt.UpdatedAfter) {
			continue
		}
		if ref.Ref != "" && p.Ref != ref.Ref {
			continue
		}
		all = append(all, p)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].UpdatedAt.Before(all[j].UpdatedAt)
	})

	size := m.PageSize
	if size <= 0 {
		size = 20
	}
	page := 1
	if opt.Cursor != "" {
		page, _ = strconv.Atoi(opt.Cursor)
	}
	start := (page - 1) * size
	if start >= len(all) {
		return PipelinePage{}, nil
	}
	end := start + size
	out := PipelinePage{}
	if end < len(all) {
		out.NextCursor = strconv.Itoa(page + 1)
	} else {
		end = len(all)
	}
	out.Pipelines = append(out.Pipelines, all[start:end]...)
	return out, nil
}

func (m *MockGitLab) GetPipeline(ctx context.Context, projectID, pipelineID int64) (Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.DetailErr != nil {
		return Pipeline{}, m.DetailErr
	}
	for _, p := range m.Pipelines[projectID] {
		if p.ID == pipelineID {
			return p, nil
		}
	}
	return Pipeline{}, ErrNotFound
}

func (m *MockGitLab) FetchAuthor(ctx context.Context, userID int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AuthorCalls++

	if err, ok := m.AuthorErrs[userID]; ok {
		return "", err
	}
	name, ok := m.Authors[userID]
	if !ok {
		return "", ErrNotFound
	}
	return name, nil
}

func (m *MockGitLab) ListGroupProjects(ctx context.Context, group string) ([]Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ps, ok := m.Groups[group]
	if !ok {
		return nil, ErrNotFound
	}
	return ps, nil
}

// SetPipelines replaces the history of a project.
func (m *MockGitLab) SetPipelines(projectID int64, ps ...Pipeline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Pipelines == nil {
		m.Pipelines = make(map[int64][]Pipeline)
	}
	m.Pipelines[projectID] = ps
}

func (m *MockGitLab) Calls() (list, author int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ListCalls, m.AuthorCalls
}

type MockCache struct {
	mu        sync.Mutex
	Snapshots []Snapshot
	Err       error
}

func (c *MockCache) Write(ctx context.Context, s Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.Snapshots = append(c.Snapshots, s)
	return nil
}
