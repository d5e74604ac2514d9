// Command bedwatch runs the facility availability pipeline and its operator tooling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFiles []string

	root := &cobra.Command{
		Use:           "bedwatch",
		Short:         "Real-time facility availability pipeline",
		Long:          "bedwatch polls facility availability, streams changes through a durable log and pushes them to WebSocket subscribers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFiles(envFiles)
		},
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading configuration (default .env)")

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newDLQCmd(),
		newTokenCmd(),
	)
	return root
}
