package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func workerCmd(cfgPath *string) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run job workers, the scheduler and the reaper",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logCloser, err := loadConfig(*cfgPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			defer logCloser.Close()
			if concurrency > 0 {
				cfg.Worker.Concurrency = concurrency
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			g, gctx := errgroup.WithContext(ctx)
			if err := a.runBackground(gctx, g); err != nil {
				return err
			}
			return g.Wait()
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "worker goroutines (default from config)")
	return cmd
}
