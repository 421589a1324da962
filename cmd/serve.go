package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/retail-crawl-coordinator/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and crawl workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd, server.ModeServe)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run crawl workers only",
		Long: `Consumes scrape jobs from the configured queue without serving the API.
Use with the pubsub queue backend so jobs submitted elsewhere reach it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd, server.ModeWorker)
		},
	}
}

func runApp(cmd *cobra.Command, mode server.Mode) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	app, err := buildApp(cmd.Context(), cfg, mode)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	if err := app.Run(cmd.Context()); err != nil {
		return fmt.Errorf("application stopped: %w", err)
	}
	return nil
}
