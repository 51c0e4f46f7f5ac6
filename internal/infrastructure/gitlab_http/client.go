package gitlab_http

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/davarch/ci-ingest/internal/domain"
	"go.uber.org/zap"
)

type Options struct {
	Timeout         time.Duration
	PerPage         int
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Log             *zap.Logger
}

type Client struct {
	baseUrl string
	token   string
	hc      *http.Client
	opts    Options
	log     *zap.Logger
}

func New(baseUrl string, token string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.PerPage <= 0 || opts.PerPage > 100 {
		opts.PerPage = 100
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 300 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 10 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	tr := &http.Transport{
		DialContext:         (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		baseUrl: trimSlash(baseUrl),
		token:   token,
		hc:      &http.Client{Transport: tr, Timeout: opts.Timeout},
		opts:    opts,
		log:     log.Named("gitlab"),
	}
}

type userDTO struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type pipelineDTO struct {
	ID         int64      `json:"id"`
	ProjectID  int64      `json:"project_id"`
	Ref        string     `json:"ref"`
	Status     string     `json:"status"`
	WebURL     string     `json:"web_url"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Duration   *int64     `json:"duration"`
	User       *userDTO   `json:"user"`
}

func (d pipelineDTO) toDomain() domain.Pipeline {
	p := domain.Pipeline{
		ID:        d.ID,
		ProjectID: d.ProjectID,
		Ref:       d.Ref,
		Status:    mapStatus(d.Status),
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
		Duration:  d.Duration,
		WebURL:    d.WebURL,
	}
	if d.FinishedAt != nil {
		f := d.FinishedAt.UTC()
		p.FinishedAt = &f
	}
	if d.User != nil && d.User.ID != 0 {
		id := d.User.ID
		p.AuthorID = &id
	}
	return p.Normalize()
}

type projectDTO struct {
	ID                int64  `json:"id"`
	Name              string `json:"name"`
	PathWithNamespace string `json:"path_with_namespace"`
}

// ListPipelines returns one page ordered by updated_at ascending. The cursor
// is the upstream page number.
func (c *Client) ListPipelines(ctx context.Context, pr domain.ProjectRef, opt domain.ListOptions) (domain.PipelinePage, error) {
	q := url.Values{}
	q.Set("order_by", "updated_at")
	q.Set("sort", "asc")
	q.Set("per_page", strconv.Itoa(c.opts.PerPage))
	if opt.Cursor != "" {
		q.Set("page", opt.Cursor)
	}
	if !opt.UpdatedAfter.IsZero() {
		q.Set("updated_after", opt.UpdatedAfter.UTC().Format(time.RFC3339))
	}
	if pr.Ref != "" {
		q.Set("ref", pr.Ref)
	}

	var list []pipelineDTO
	hdr, err := c.get(ctx, fmt.Sprintf("/api/v4/projects/%d/pipelines", pr.ProjectID), q, &list)
	if err != nil {
		return domain.PipelinePage{}, err
	}

	page := domain.PipelinePage{NextCursor: hdr.Get("X-Next-Page")}
	for _, d := range list {
		if d.ProjectID == 0 {
			d.ProjectID = pr.ProjectID
		}
		page.Pipelines = append(page.Pipelines, d.toDomain())
	}
	return page, nil
}

func (c *Client) GetPipeline(ctx context.Context, projectID, pipelineID int64) (domain.Pipeline, error) {
	var d pipelineDTO
	if _, err := c.get(ctx, fmt.Sprintf("/api/v4/projects/%d/pipelines/%d", projectID, pipelineID), nil, &d); err != nil {
		return domain.Pipeline{}, err
	}
	if d.ProjectID == 0 {
		d.ProjectID = projectID
	}
	return d.toDomain(), nil
}

func (c *Client) FetchAuthor(ctx context.Context, userID int64) (string, error) {
	var u userDTO
	if _, err := c.get(ctx, fmt.Sprintf("/api/v4/users/%d", userID), nil, &u); err != nil {
		return "", err
	}
	if u.Name == "" {
		return "", fmt.Errorf("%w: user %d has no name", domain.ErrNotFound, userID)
	}
	return u.Name, nil
}

// ListGroupProjects walks every page of non-archived projects in the group and
// its subgroups.
func (c *Client) ListGroupProjects(ctx context.Context, group string) ([]domain.Project, error) {
	var out []domain.Project

	next := "1"
	for next != "" {
		q := url.Values{}
		q.Set("include_subgroups", "true")
		q.Set("archived", "false")
		q.Set("per_page", strconv.Itoa(c.opts.PerPage))
		q.Set("page", next)

		var list []projectDTO
		hdr, err := c.get(ctx, "/api/v4/groups/"+url.PathEscape(group)+"/projects", q, &list)
		if err != nil {
			return nil, err
		}
		for _, p := range list {
			out = append(out, domain.Project{
				ID:    p.ID,
				Name:  p.Name,
				Path:  p.PathWithNamespace,
				Group: group,
			})
		}
		next = hdr.Get("X-Next-Page")
	}

	return out, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) (http.Header, error) {
	var hdr http.Header

	u := c.baseUrl + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %w", domain.ErrTransient, err)
		}

		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: gitlab %s", domain.ErrUnauthorized, resp.Status))

		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("%w: %s", domain.ErrNotFound, path))

		case resp.StatusCode == http.StatusTooManyRequests:
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if sec, _ := strconv.Atoi(ra); sec > 0 {
					select {
					case <-time.After(time.Duration(sec) * time.Second):
					case <-ctx.Done():
						return backoff.Permanent(ctx.Err())
					}
				}
			}
			return fmt.Errorf("%w: gitlab %s", domain.ErrRateLimited, resp.Status)

		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: gitlab %s", domain.ErrTransient, resp.Status)

		case resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("gitlab %s", resp.Status))
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode %s: %w", domain.ErrTransient, path, err)
		}
		hdr = resp.Header
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialInterval
	bo.MaxInterval = c.opts.MaxInterval
	bo.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.opts.MaxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		c.log.Debug("retrying request", zap.String("path", path), zap.Duration("wait", wait), zap.Error(err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return hdr, nil
}

func mapStatus(s string) domain.PipelineStatus {
	switch s {
	case "success":
		return domain.StatusSuccess
	case "failed":
		return domain.StatusFailed
	case "running":
		return domain.StatusRunning
	case "canceled", "canceling":
		return domain.StatusCanceled
	case "skipped":
		return domain.StatusSkipped
	case "created", "waiting_for_resource", "preparing", "pending", "scheduled", "waiting_for_callback":
		return domain.StatusPending
	default:
		return domain.StatusOther
	}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
