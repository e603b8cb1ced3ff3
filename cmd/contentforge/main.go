// Command contentforge runs the ContentForge API server, job workers and
// maintenance tasks.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var cfgPath string
	root := &cobra.Command{
		Use:           "contentforge",
		Short:         "AI content orchestration backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default contentforge.yaml)")

	root.AddCommand(
		serveCmd(&cfgPath),
		workerCmd(&cfgPath),
		migrateCmd(&cfgPath),
		eventsCmd(&cfgPath),
		tokenCmd(&cfgPath),
	)

	if err := root.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
