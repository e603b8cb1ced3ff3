package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cfhttp "github.com/Strob0t/ContentForge/internal/adapter/http"
	"github.com/Strob0t/ContentForge/internal/service"
)

const version = "0.1.0"

func serveCmd(cfgPath *string) *cobra.Command {
	var embedWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logCloser, err := loadConfig(*cfgPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			defer logCloser.Close()
			if cmd.Flags().Changed("embed-workers") {
				cfg.Server.EmbedWorkers = embedWorkers
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			handlers := &cfhttp.Handlers{
				Jobs:      a.jobs,
				Composer:  a.composer,
				Gateway:   a.gateway,
				Ready:     a.readyChecks(),
				BodyLimit: cfg.Server.BodyLimit,
				Version:   version,
			}
			srv := &http.Server{
				Addr:              ":" + cfg.Server.Port,
				Handler:           cfhttp.NewRouter(handlers, cfg, a.cache),
				ReadHeaderTimeout: 10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      60 * time.Second,
				IdleTimeout:       120 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				slog.Info("starting server", "addr", srv.Addr, "embed_workers", cfg.Server.EmbedWorkers)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				slog.Info("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.Server.ShutdownTimeout)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			if cfg.Server.EmbedWorkers {
				if err := a.runBackground(gctx, g); err != nil {
					return err
				}
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&embedWorkers, "embed-workers", false, "also run workers, the scheduler and the reaper")
	return cmd
}

// runBackground starts the worker pool, the reaper and the scheduler in g.
func (a *app) runBackground(ctx context.Context, g *errgroup.Group) error {
	pool, err := a.workerPool(ctx)
	if err != nil {
		return err
	}
	sched, err := service.NewScheduler(a.jobs, a.cfg.Schedules, 0)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	reaper := service.NewReaper(a.store, a.queue, a.cfg.Worker.ReapInterval, a.cfg.Worker.Retention)

	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { reaper.Run(ctx); return nil })
	g.Go(func() error { sched.Run(ctx); return nil })
	return nil
}
