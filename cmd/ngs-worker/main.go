// Command ngs-worker runs the alert-correlation worker: it polls a
// configured mailbox, parses and correlates alert emails into incidents,
// detects and applies maintenance windows, optionally enriches incidents
// via an advisory service, and delivers notifications.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kapella-hub/ngs-worker/internal/adapters/storage"
	"github.com/kapella-hub/ngs-worker/internal/application"
	"github.com/kapella-hub/ngs-worker/internal/config"
	"github.com/kapella-hub/ngs-worker/internal/logging"
)

func main() {
	root := &cobra.Command{
		Use:   "ngs-worker",
		Short: "Alert noise-reduction and correlation worker",
	}
	root.AddCommand(runCmd(), migrateCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the worker's mailbox intake and scheduler loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the worker's database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load()
			if err != nil {
				return err
			}
			store, err := storage.NewPostgresStore(settings.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			defer store.Close()
			if err := store.InitSchema(); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			fmt.Println("schema applied")
			return nil
		},
	}
}

func runWorker(ctx context.Context) error {
	settings, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logging.New(settings.LogLevel, settings.LogFormat)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	store, err := storage.NewPostgresStore(settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := store.InitSchema(); err != nil {
		store.Close()
		return fmt.Errorf("apply schema: %w", err)
	}

	worker, err := application.NewWorker(ctx, logging.Component(log, "worker"), settings, store)
	if err != nil {
		store.Close()
		return fmt.Errorf("build worker: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log.Info("ngs-worker starting", zap.String("email_provider", settings.EmailProvider))
	worker.Run(runCtx)

	<-runCtx.Done()
	log.Info("ngs-worker shutting down")

	if err := worker.Stop(); err != nil {
		return fmt.Errorf("clean shutdown: %w", err)
	}
	log.Info("ngs-worker stopped")
	return nil
}
