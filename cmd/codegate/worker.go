package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/codegate/internal/sandbox"
)

// workerCmd is the isolated backend's worker entry point. The host speaks the
// line protocol on stdin/stdout; stderr is captured for diagnostics.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one sandbox worker on stdin/stdout",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return sandbox.ServeWorker(ctx, os.Stdin, os.Stdout)
	},
}
