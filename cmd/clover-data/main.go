// Package main is the entry point for the clover-data command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/clover-project/clover-datasets/cmd/clover-data/app"
	"github.com/clover-project/clover-datasets/internal/logger"
)

func main() {
	// Logs go to stderr so stdout stays clean for command output
	// (e.g., version --format json). The root command re-initializes the
	// logger from --log-level and --log-format.
	if err := logger.Initialize("info", true); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.NewRootCmd().ExecuteContext(ctx)
	stop()
	logger.Sync()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
