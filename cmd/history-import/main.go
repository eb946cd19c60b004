package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mailtrail/pkg/bootstrap"
)

var (
	configFile string
	limit      int64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "history-import",
		Short: "Rebuild the ledger from Brevo log exports",
		Long:  "History Import reconstructs email timelines from exported transactional logs and feeds them to the ledger",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (required)")

	rootCmd.AddCommand(importCmd(), reportsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.csv>...",
		Short: "Import one or more log exports",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				for _, path := range args {
					report, err := app.ImportFile(ctx, path)
					if report != nil {
						if encErr := printJSON(cmd, report); encErr != nil {
							return encErr
						}
					}
					if err != nil {
						return fmt.Errorf("%s: %w", path, err)
					}
				}
				return nil
			})
		},
	}
}

func reportsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List archived import reports, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *App) error {
				reports, err := app.RecentReports(ctx, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, reports)
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 10, "Number of reports to list")
	return cmd
}

func withApp(run func(ctx context.Context, app *App) error) error {
	cfg, log, err := bootstrap.Startup(configFile, "history-import")
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

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

	return run(ctx, app)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
