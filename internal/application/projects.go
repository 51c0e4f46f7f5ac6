package application

import (
	"context"
	"fmt"
	"sort"

	"github.com/davarch/ci-ingest/internal/domain"
)

// ResolveProjects merges explicit projects with those discovered in groups.
// Explicit entries win on conflict since they may carry a ref restriction.
func ResolveProjects(ctx context.Context, gl domain.GitlabClient, explicit []domain.Project, groups []string) ([]domain.Project, error) {
	byID := make(map[int64]domain.Project, len(explicit))

	for _, g := range groups {
		ps, err := gl.ListGroupProjects(ctx, g)
		if err != nil {
			return nil, fmt.Errorf("group %q: %w", g, err)
		}
		for _, p := range ps {
			if p.Group == "" {
				p.Group = g
			}
			byID[p.ID] = p
		}
	}

	for _, p := range explicit {
		if found, ok := byID[p.ID]; ok {
			if p.Name == "" {
				p.Name = found.Name
			}
			if p.Path == "" {
				p.Path = found.Path
			}
			if p.Group == "" {
				p.Group = found.Group
			}
		}
		byID[p.ID] = p
	}

	out := make([]domain.Project, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
