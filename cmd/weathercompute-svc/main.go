package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"weathercompute/pkg/logger"
)

func main() {
	logger.Init("info")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := &cobra.Command{
		Use:   "weathercompute-svc",
		Short: "Serves wind-vector, streamline, and volume-pack requests over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(ctx)
		},
	}

	if err := root.ExecuteContext(ctx); err != nil {
		logger.Log.Error("weathercompute-svc exited with error", "error", err)
		os.Exit(1)
	}
}
