package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mediary/internal/bridge"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bridge.NewService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		stop()
		svc.Stop() //nolint:errcheck
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal.")

	return svc.Stop()
}

// commandContext returns cmd's context, falling back to Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
