package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	_ "mailtrail/cmd/ledger-service/docs"
	"mailtrail/pkg/bootstrap"
)

var (
	configFile string
)

// @title           Mailtrail Ledger Service API
// @version         1.0
// @description     Delivery-lifecycle ledger for transactional email

// @host      localhost:8080
// @BasePath  /

// @schemes   http https

func main() {
	rootCmd := &cobra.Command{
		Use:   "ledger-service",
		Short: "Email delivery ledger",
		Long:  "Ledger Service ingests provider webhooks and broker events into per-email timelines and group counters",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ledger service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap.Startup(configFile, "ledger-service")
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting Ledger Service")

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.Errorw("Failed to initialize application", "error", err)
				_ = app.Shutdown(context.Background())
				return err
			}

			if err := app.Run(ctx); err != nil {
				log.ErrorwCtx(ctx, "Application error", "error", err)
				return err
			}
			return nil
		},
	}
}
