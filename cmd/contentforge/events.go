package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cfnats "github.com/Strob0t/ContentForge/internal/adapter/nats"
	"github.com/Strob0t/ContentForge/internal/port/messagequeue"
)

func eventsCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the job and run event stream",
	}

	var subjects []string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print job and run events as they are published",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logCloser, err := loadConfig(*cfgPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			defer logCloser.Close()
			if cfg.NATS.URL == "" {
				return errors.New("events tail needs nats.url")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			q, err := cfnats.ConnectStream(ctx, cfg.NATS.URL, cfg.NATS.Stream)
			if err != nil {
				return fmt.Errorf("nats: %w", err)
			}
			defer func() { _ = q.Close() }()

			out := cmd.OutOrStdout()
			printEvent := func(_ context.Context, subject string, data []byte) error {
				_, err := fmt.Fprintf(out, "%s %s\n", subject, data)
				return err
			}
			for _, s := range subjects {
				cancel, err := q.Subscribe(ctx, s, printEvent)
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", s, err)
				}
				defer cancel()
			}
			<-ctx.Done()
			return nil
		},
	}
	tail.Flags().StringSliceVar(&subjects, "subject",
		[]string{messagequeue.SubjectAllJobs, messagequeue.SubjectAllRuns}, "subjects to follow")
	cmd.AddCommand(tail)
	return cmd
}
