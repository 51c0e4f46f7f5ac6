package cache_fs

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/davarch/ci-ingest/internal/domain"
)

// FSCache writes the latest status snapshot for status bars.
type FSCache struct {
	path string
}

func New(path string) *FSCache { return &FSCache{path: path} }

type snapshotJSON struct {
	TotalCount  int64   `json:"total_count"`
	AvgDuration float64 `json:"avg_duration"`
	SuccessRate float64 `json:"success_rate"`
	Projects    int     `json:"projects"`
	Ready       bool    `json:"ready"`
	Retrieved   int64   `json:"retrieved"`
}

// Write replaces the file atomically so readers never see a torn snapshot.
func (c *FSCache) Write(_ context.Context, s domain.Snapshot) error {
	if c.path == "" {
		return errors.New("cache path is empty")
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".snap-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	err = enc.Encode(snapshotJSON{
		TotalCount:  s.Stats.TotalCount,
		AvgDuration: s.Stats.AvgDuration,
		SuccessRate: s.Stats.SuccessRate,
		Projects:    s.Projects,
		Ready:       s.Ready,
		Retrieved:   s.Retrieved,
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	return os.Rename(tmp, c.path)
}
