package http_api

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
)

const maxPageLimit = 1000

func parseFilter(q url.Values) (domain.PipelineFilter, error) {
	var (
		f   domain.PipelineFilter
		err error
	)

	if f.ProjectIDs, err = parseIDs(q["project_id"]); err != nil {
		return f, err
	}
	if f.ExcludeProjectIDs, err = parseIDs(q["exclude_project_id"]); err != nil {
		return f, err
	}
	f.Ref = q.Get("ref")

	if s := q.Get("status"); s != "" {
		st := domain.PipelineStatus(s)
		if !st.Valid() {
			return f, fmt.Errorf("unknown status %q", s)
		}
		f.Status = st
	}

	if f.From, err = parseTime(q.Get("from"), false); err != nil {
		return f, fmt.Errorf("from: %w", err)
	}
	if f.To, err = parseTime(q.Get("to"), true); err != nil {
		return f, fmt.Errorf("to: %w", err)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, fmt.Errorf("to is before from")
	}

	return f, nil
}

// parseIDs accepts repeated parameters and comma separated lists.
func parseIDs(vals []string) ([]int64, error) {
	var out []int64
	for _, v := range vals {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("bad project id %q", part)
			}
			out = append(out, id)
		}
	}
	return out, nil
}

// parseTime accepts RFC3339 or a bare date. A bare date used as an upper bound
// covers the whole day.
func parseTime(s string, endOfDay bool) (time.Time, error) {
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

func parsePage(q url.Values) (domain.Page, error) {
	var p domain.Page
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return p, fmt.Errorf("bad limit %q", s)
		}
		p.Limit = min(n, maxPageLimit)
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return p, fmt.Errorf("bad offset %q", s)
		}
		p.Offset = n
	}
	return p, nil
}
