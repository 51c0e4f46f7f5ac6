package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/davarch/ci-ingest/internal/application"
	"github.com/davarch/ci-ingest/internal/domain"
	"github.com/davarch/ci-ingest/internal/infrastructure/cache_fs"
	"github.com/davarch/ci-ingest/internal/infrastructure/config"
	"github.com/davarch/ci-ingest/internal/infrastructure/gitlab_http"
	"github.com/davarch/ci-ingest/internal/infrastructure/http_api"
	"github.com/davarch/ci-ingest/internal/infrastructure/logging"
	"github.com/davarch/ci-ingest/internal/infrastructure/metrics"
	"github.com/davarch/ci-ingest/internal/infrastructure/notify_libnotify"
	"github.com/davarch/ci-ingest/internal/infrastructure/store_sqlite"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Backfill history, then keep the store in sync",
	Run: func(cmd *cobra.Command, args []string) {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Fatal("config", zap.Error(err))
		}
		refFilter, _ := cfg.RefFilter()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		rec := metrics.New()
		gl := gitlab_http.New(cfg.GitLab.BaseURL, cfg.GitLab.Token, gitlab_http.Options{
			Timeout:         cfg.GitLab.Timeout,
			PerPage:         cfg.GitLab.PerPage,
			MaxAttempts:     cfg.GitLab.Retry.MaxAttempts,
			InitialInterval: cfg.GitLab.Retry.InitialInterval,
			MaxInterval:     cfg.GitLab.Retry.MaxInterval,
			Log:             log,
		})

		store, err := store_sqlite.Open(cfg.Store.Path)
		if err != nil {
			log.Fatal("open store", zap.String("path", cfg.Store.Path), zap.Error(err))
		}
		defer func() { _ = store.Close() }()

		projects, err := syncProjects(ctx, gl, store, cfg)
		if err != nil {
			log.Fatal("resolve projects", zap.Error(err))
		}

		decision, err := application.DecideStartup(ctx, store)
		if err != nil {
			log.Fatal("startup", zap.Error(err))
		}

		uc := application.NewPollUseCase(gl, store, refFilter)
		ready := application.NewReadiness()

		coord := application.NewBackfillCoordinator(log, uc, store, ready, rec, projects, decision, backfillConfig(cfg))

		poller := application.NewPoller(log, uc, store, cache_fs.New(cfg.Cache.Path), rec, projects, application.PollerConfig{
			Interval:    cfg.Poll.Interval,
			Overlap:     cfg.Poll.Overlap,
			PauseFile:   cfg.Poll.PauseFile,
			Concurrency: cfg.Poll.Concurrency,
		})

		enricher, err := application.NewEnricher(log, gl, store, rec, application.EnricherConfig{
			Interval:    cfg.Enrichment.Interval,
			BatchSize:   cfg.Enrichment.BatchSize,
			Concurrency: cfg.Enrichment.Concurrency,
			CacheTTL:    cfg.Enrichment.CacheTTL,
			NotFound: application.NotFoundPolicy{
				Mode:        application.NotFoundMode(cfg.Enrichment.NotFound),
				RetryAfter:  cfg.Enrichment.RetryAfter,
				MaxAttempts: cfg.Enrichment.MaxAttempts,
			},
		})
		if err != nil {
			log.Fatal("enricher", zap.Error(err))
		}
		defer enricher.Close()

		log.Info("start",
			zap.String("version", version),
			zap.Int("projects", len(projects)),
			zap.Bool("store_empty", decision.StoreEmpty),
			zap.Int("backfill_days", cfg.Backfill.Days),
			zap.Duration("every", cfg.Poll.Interval),
			zap.String("store", cfg.Store.Path),
			zap.String("gitlab", cfg.GitLab.BaseURL),
			zap.String("pause_file", cfg.Poll.PauseFile),
		)

		if err := coord.Run(ctx); err != nil {
			if ctx.Err() != nil {
				log.Warn("interrupted during backfill; the next start backfills again", zap.Error(err))
				return
			}
			notifyDesktop(cfg, "ci-ingest: backfill failed", err.Error(), "critical")
			log.Fatal("backfill failed; refusing to serve incomplete history", zap.Error(err))
		}
		if coord.Imported() {
			notifyDesktop(cfg, "ci-ingest: backfill complete", fmt.Sprintf("%d projects imported", len(projects)), "normal")
		}

		watchAndReload(ctx, cfgPath, log, gl, store, poller)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			poller.Run(gctx)
			return nil
		})
		g.Go(func() error {
			enricher.Run(gctx)
			return nil
		})
		if cfg.Server.Listen != "" {
			queries, err := http_api.NewCachedQueries(store, cfg.Server.CacheTTL)
			if err != nil {
				log.Fatal("stats cache", zap.Error(err))
			}
			defer queries.Close()

			serve(gctx, g, log, cfg.Server.Listen, http_api.NewRouter(queries, log,
				http_api.WithMetrics(rec.Handler()),
				http_api.WithReadiness(ready.Ready),
			), ready)
		}

		if err := g.Wait(); err != nil {
			log.Error("stopped", zap.Error(err))
			return
		}
		log.Info("stopped")
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// backfillConfig leaves Days at zero unless backfill.days is set, which makes
// the coordinator skip the import.
func backfillConfig(cfg config.Config) application.BackfillConfig {
	return application.BackfillConfig{
		Days:            cfg.Backfill.Days,
		Concurrency:     cfg.Backfill.Concurrency,
		Overlap:         cfg.Poll.Overlap,
		InitialInterval: cfg.GitLab.Retry.InitialInterval,
		MaxInterval:     cfg.GitLab.Retry.MaxInterval,
	}
}

func notifyDesktop(cfg config.Config, title, body, urgency string) {
	if !cfg.Notify.Desktop {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = notify_libnotify.NewSoft().NotifyWith(ctx, title, body, notify_libnotify.Options{Urgency: urgency})
}

func syncProjects(ctx context.Context, gl domain.GitlabClient, store domain.Store, cfg config.Config) ([]domain.Project, error) {
	projects, err := application.ResolveProjects(ctx, gl, cfg.Projects(), cfg.Poll.Groups)
	if err != nil {
		return nil, err
	}
	if err := store.UpsertProjects(ctx, projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// serve opens the listener only once the readiness gate is open.
func serve(ctx context.Context, g *errgroup.Group, log *zap.Logger, addr string, h http.Handler, ready *application.Readiness) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		if err := ready.Wait(ctx); err != nil {
			return nil
		}
		log.Info("http listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// watchAndReload re-resolves the project set when the config file changes and
// hands it to the running poller. Projects added this way start from now minus
// the overlap; they are not backfilled.
func watchAndReload(ctx context.Context, cfgPath string, log *zap.Logger, gl domain.GitlabClient, store domain.Store, poller *application.Poller) {
	if cfgPath == "" {
		return
	}

	dir := filepath.Dir(cfgPath)
	base := filepath.Base(cfgPath)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("fsnotify init failed", zap.Error(err))
		return
	}
	if err := w.Add(dir); err != nil {
		log.Warn("fsnotify add dir failed", zap.String("dir", dir), zap.Error(err))
		_ = w.Close()
		return
	}

	reload := func() {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			log.Warn("config reload failed", zap.Error(err))
			return
		}
		projects, err := syncProjects(ctx, gl, store, cfg)
		if err != nil {
			log.Warn("config reload: resolve projects failed", zap.Error(err))
			return
		}
		poller.UpdateProjects(projects)
	}

	go func() {
		defer func() { _ = w.Close() }()

		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(300*time.Millisecond, reload)
				} else {
					timer.Reset(300 * time.Millisecond)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("fsnotify error", zap.Error(err))
			}
		}
	}()
}
