package cli

import (
	"fmt"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
	"github.com/davarch/ci-ingest/internal/infrastructure/config"
	"github.com/davarch/ci-ingest/internal/infrastructure/store_sqlite"
	"github.com/spf13/cobra"
)

type filterFlags struct {
	projects []int64
	exclude  []int64
	ref      string
	status   string
	from     string
	to       string
	json     bool
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64SliceVar(&f.projects, "project", nil, "only these project ids")
	cmd.Flags().Int64SliceVar(&f.exclude, "exclude-project", nil, "skip these project ids")
	cmd.Flags().StringVar(&f.ref, "ref", "", "only this ref")
	cmd.Flags().StringVar(&f.status, "status", "", "only this status")
	cmd.Flags().StringVar(&f.from, "from", "", "created at or after (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.to, "to", "", "created at or before (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().BoolVar(&f.json, "json", false, "print JSON")
}

func (f *filterFlags) filter() (domain.PipelineFilter, error) {
	out := domain.PipelineFilter{
		ProjectIDs:        f.projects,
		ExcludeProjectIDs: f.exclude,
		Ref:               f.ref,
	}

	if f.status != "" {
		st := domain.PipelineStatus(f.status)
		if !st.Valid() {
			return out, fmt.Errorf("unknown status %q", f.status)
		}
		out.Status = st
	}

	var err error
	if out.From, err = flagTime(f.from, false); err != nil {
		return out, fmt.Errorf("--from: %w", err)
	}
	if out.To, err = flagTime(f.to, true); err != nil {
		return out, fmt.Errorf("--to: %w", err)
	}
	return out, nil
}

func flagTime(s string, endOfDay bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("want RFC3339 or YYYY-MM-DD, got %q", s)
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Second)
	}
	return d, nil
}

// openStore opens the configured store without requiring GitLab credentials.
func openStore() (*store_sqlite.Store, error) {
	cfg, err := config.Read(cfgPath)
	if err != nil {
		return nil, err
	}
	return store_sqlite.Open(cfg.Store.Path)
}
