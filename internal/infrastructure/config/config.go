package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/davarch/ci-ingest/internal/domain"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

type Project struct {
	ProjectID int64  `yaml:"project_id"`
	Ref       string `yaml:"ref,omitempty"`
	Enabled   bool   `yaml:"enabled"`
	Name      string `yaml:"name,omitempty"`
}

type Retry struct {
	MaxAttempts     int           `yaml:"max_attempts" env:"GITLAB_RETRY_MAX_ATTEMPTS, overwrite"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"GITLAB_RETRY_INITIAL_INTERVAL, overwrite"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"GITLAB_RETRY_MAX_INTERVAL, overwrite"`
}

// Config is read from YAML first; environment variables win over the file.
type Config struct {
	GitLab struct {
		BaseURL string        `yaml:"base_url" env:"GITLAB_BASE_URL, overwrite"`
		Token   string        `yaml:"token" env:"GITLAB_TOKEN, overwrite"`
		Timeout time.Duration `yaml:"timeout" env:"GITLAB_TIMEOUT, overwrite"`
		PerPage int           `yaml:"per_page" env:"GITLAB_PER_PAGE, overwrite"`
		Retry   Retry         `yaml:"retry"`
	} `yaml:"gitlab"`

	Poll struct {
		Interval    time.Duration `yaml:"interval" env:"INTERVAL, overwrite"`
		Overlap     time.Duration `yaml:"overlap" env:"POLL_OVERLAP, overwrite"`
		Projects    []Project     `yaml:"projects"`
		Groups      []string      `yaml:"groups,omitempty" env:"GITLAB_GROUPS, overwrite"`
		RefFilter   string        `yaml:"ref_filter,omitempty" env:"REF_FILTER, overwrite"`
		PauseFile   string        `yaml:"pause_file" env:"PAUSE_FILE, overwrite"`
		Concurrency int           `yaml:"concurrency" env:"POLL_CONCURRENCY, overwrite"`
	} `yaml:"poll"`

	Backfill struct {
		Days        int `yaml:"days" env:"BACKFILL_DAYS, overwrite"`
		Concurrency int `yaml:"concurrency" env:"BACKFILL_CONCURRENCY, overwrite"`
	} `yaml:"backfill"`

	Enrichment struct {
		Interval    time.Duration `yaml:"interval" env:"ENRICH_INTERVAL, overwrite"`
		BatchSize   int           `yaml:"batch_size" env:"ENRICH_BATCH_SIZE, overwrite"`
		Concurrency int           `yaml:"concurrency" env:"ENRICH_CONCURRENCY, overwrite"`
		NotFound    string        `yaml:"not_found" env:"ENRICH_NOT_FOUND, overwrite"`
		RetryAfter  time.Duration `yaml:"retry_after" env:"ENRICH_RETRY_AFTER, overwrite"`
		MaxAttempts int           `yaml:"max_attempts" env:"ENRICH_MAX_ATTEMPTS, overwrite"`
		CacheTTL    time.Duration `yaml:"cache_ttl" env:"ENRICH_CACHE_TTL, overwrite"`
	} `yaml:"enrichment"`

	Store struct {
		Path string `yaml:"path" env:"STORE_PATH, overwrite"`
	} `yaml:"store"`

	Server struct {
		Listen   string        `yaml:"listen" env:"LISTEN_ADDR, overwrite"`
		CacheTTL time.Duration `yaml:"cache_ttl" env:"STATS_CACHE_TTL, overwrite"`
	} `yaml:"server"`

	Cache struct {
		Path string `yaml:"path" env:"CACHE_PATH, overwrite"`
	} `yaml:"cache"`

	Notify struct {
		Desktop bool `yaml:"desktop" env:"NOTIFY_DESKTOP, overwrite"`
	} `yaml:"notify"`
}

func defaults() Config {
	var c Config

	c.GitLab.BaseURL = "https://gitlab.com"
	c.GitLab.Timeout = 10 * time.Second
	c.GitLab.PerPage = 100
	c.GitLab.Retry = Retry{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: 30 * time.Second}
	c.Poll.Interval = 20 * time.Second
	c.Poll.Overlap = time.Minute
	c.Poll.Concurrency = 4
	c.Backfill.Concurrency = 4
	c.Enrichment.Interval = 30 * time.Second
	c.Enrichment.BatchSize = 100
	c.Enrichment.Concurrency = 4
	c.Enrichment.NotFound = "permanent"
	c.Enrichment.RetryAfter = 24 * time.Hour
	c.Enrichment.CacheTTL = time.Hour
	c.Server.CacheTTL = 5 * time.Second
	c.Store.Path = "~/.local/share/ci-ingest/pipelines.db"
	c.Cache.Path = "~/.cache/ci_status.json"

	return c
}

func Load(path string) (Config, error) {
	c, err := Read(path)
	if err != nil {
		return c, err
	}
	return c, c.Validate()
}

// Read parses the file and environment without validating, for commands that
// edit the project list.
func Read(path string) (Config, error) {
	c := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return c, err
		}
	}

	if err := envconfig.Process(context.Background(), &c); err != nil {
		return c, fmt.Errorf("env: %w", err)
	}

	if s := os.Getenv("GITLAB_PROJECTS"); s != "" {
		if ps := parseProjects(s); len(ps) > 0 {
			c.Poll.Projects = ps
		}
	} else if v := os.Getenv("GITLAB_PROJECT_ID"); v != "" {
		if pid, err := strconv.ParseInt(v, 10, 64); err == nil {
			ref := getenv("GITLAB_REF", "")
			c.Poll.Projects = []Project{{ProjectID: pid, Ref: ref, Enabled: true}}
		}
	}

	c.fill()
	return c, nil
}

// parseProjects reads the compact "id:ref,id" form. An empty ref means all refs.
func parseProjects(s string) []Project {
	var ps []Project
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		idPart, ref, _ := strings.Cut(item, ":")
		id, err := strconv.ParseInt(strings.TrimSpace(idPart), 10, 64)
		if err != nil {
			continue
		}
		ps = append(ps, Project{ProjectID: id, Ref: strings.TrimSpace(ref), Enabled: true})
	}
	return ps
}

func (c *Config) fill() {
	d := defaults()

	c.Store.Path = expandHome(c.Store.Path)
	c.Cache.Path = expandHome(c.Cache.Path)
	c.Poll.PauseFile = expandHome(c.Poll.PauseFile)
	c.GitLab.BaseURL = strings.TrimRight(c.GitLab.BaseURL, "/")

	if c.GitLab.BaseURL == "" {
		c.GitLab.BaseURL = d.GitLab.BaseURL
	}
	if c.GitLab.Timeout <= 0 {
		c.GitLab.Timeout = d.GitLab.Timeout
	}
	if c.GitLab.PerPage <= 0 || c.GitLab.PerPage > 100 {
		c.GitLab.PerPage = d.GitLab.PerPage
	}
	if c.GitLab.Retry.MaxAttempts <= 0 {
		c.GitLab.Retry.MaxAttempts = d.GitLab.Retry.MaxAttempts
	}
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = d.Poll.Interval
	}
	if c.Poll.Overlap < 0 {
		c.Poll.Overlap = 0
	}
	if c.Poll.PauseFile == "" {
		c.Poll.PauseFile = expandHome("~/.cache/ci_paused")
	}
	if c.Enrichment.NotFound == "" {
		c.Enrichment.NotFound = d.Enrichment.NotFound
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.GitLab.Token == "" {
		errs = append(errs, errors.New("GITLAB_TOKEN is required"))
	}
	if len(c.Projects()) == 0 && len(c.Poll.Groups) == 0 {
		errs = append(errs, errors.New("no projects configured (YAML or ENV)"))
	}
	if c.Backfill.Days < 0 {
		errs = append(errs, fmt.Errorf("backfill.days must not be negative, got %d", c.Backfill.Days))
	}
	if _, err := c.RefFilter(); err != nil {
		errs = append(errs, err)
	}
	switch c.Enrichment.NotFound {
	case "permanent", "retry":
	default:
		errs = append(errs, fmt.Errorf("enrichment.not_found must be permanent or retry, got %q", c.Enrichment.NotFound))
	}
	if c.Enrichment.MaxAttempts < 0 {
		errs = append(errs, errors.New("enrichment.max_attempts must not be negative"))
	}

	return errors.Join(errs...)
}

// RefFilter compiles poll.ref_filter; nil means every ref is kept.
func (c Config) RefFilter() (*regexp.Regexp, error) {
	if c.Poll.RefFilter == "" {
		return nil, nil
	}
	re, err := regexp.Compile(c.Poll.RefFilter)
	if err != nil {
		return nil, fmt.Errorf("poll.ref_filter: %w", err)
	}
	return re, nil
}

// Projects returns the enabled explicit projects.
func (c Config) Projects() []domain.Project {
	var out []domain.Project
	for _, p := range c.Poll.Projects {
		if !p.Enabled {
			continue
		}
		out = append(out, domain.Project{ID: p.ProjectID, Name: p.Name, Ref: p.Ref})
	}
	return out
}

func Save(path string, c Config) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lockFile := path + ".lock"
	lf, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}
