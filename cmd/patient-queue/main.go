package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"qms/patient-queue/internal/config"
	"qms/patient-queue/internal/display"
	"qms/patient-queue/internal/logging"
	"qms/patient-queue/internal/models"
	"qms/patient-queue/internal/store/postgres"
	"qms/patient-queue/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "patient-queue",
		Short: "Hospital patient queue and call display",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(displayCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API, realtime push and board refresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServer(cfg)
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.UsesMemoryStore() {
				return errors.New("DB_DSN is required to run migrations")
			}

			ctx := context.Background()
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			applied, err := postgres.Migrate(ctx, pool, migrations.Files)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			for _, name := range applied {
				fmt.Printf("applied %s\n", name)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", len(applied))
			return nil
		},
	}
}

func displayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "display",
		Short: "Show the active call of one counter in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawSP, _ := cmd.Flags().GetString("service-point")
			counter, _ := cmd.Flags().GetInt("counter")

			sp, ok := models.ParseServicePoint(rawSP)
			if !ok {
				return fmt.Errorf("unknown service point %q", rawSP)
			}
			if counter < 1 {
				return fmt.Errorf("counter must be at least 1, got %d", counter)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fetcher := display.NewHTTPFetcher(cfg.DisplayBaseURL, cfg.DisplayPollInterval())
			poller := display.NewPoller(fetcher, display.Config{
				ServicePoint: sp,
				Counter:      counter,
				Interval:     cfg.DisplayPollInterval(),
				CueDuration:  cfg.DisplayCueDuration(),
				NoCue:        cfg.DisplayCueSeconds == 0,
			}, logger)

			last := ""
			return poller.Run(ctx, func(update display.Update) {
				line := display.Line(update.View)
				if line == last {
					return
				}
				last = line
				out := cmd.OutOrStdout()
				if update.NewCall {
					fmt.Fprint(out, "\a")
				}
				fmt.Fprintln(out, line)
			})
		},
	}
	cmd.Flags().String("service-point", "", "Service point to follow (e.g. triage)")
	cmd.Flags().Int("counter", 1, "Counter number to display")
	_ = cmd.MarkFlagRequired("service-point")
	return cmd
}
