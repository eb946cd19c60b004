package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mailtrail/pkg/bootstrap"
)

var (
	configFile string
	once       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "enrichment-service",
		Short: "Bounce reason enrichment",
		Long:  "Enrichment Service looks up the reasons of bounced emails at Brevo and records them on the ledger",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")
	rootCmd.PersistentFlags().BoolVar(&once, "once", false, "Process one batch and exit")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the enrichment service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap.Startup(configFile, "enrichment-service")
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting Enrichment Service", "once", once)

			app := NewApp(cfg, log)
			defer func() {
				if err := app.Shutdown(context.Background()); err != nil {
					log.Errorw("Shutdown error", "error", err)
				}
			}()
			if err := app.Initialize(ctx); err != nil {
				log.Errorw("Failed to initialize application", "error", err)
				return err
			}

			if once {
				return app.RunOnce(ctx)
			}

			if err := app.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.ErrorwCtx(ctx, "Service stopped with error", "error", err)
				return err
			}
			log.InfowCtx(ctx, "Shutdown complete")
			return nil
		},
	}
}
