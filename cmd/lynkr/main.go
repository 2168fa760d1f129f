package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/application"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	"github.com/lynkr/lynkr/internal/infrastructure/logger"
)

const appVersion = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:     "lynkr",
		Short:   "Self-hosted agentic LLM proxy",
		Version: appVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the proxy until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting lynkr",
		zap.String("version", appVersion),
		zap.String("primary_provider", cfg.Routing.ModelProvider),
		zap.Int("port", cfg.Server.Port),
	)

	app, err := application.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialise application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		return err
	}

	log.Info("Proxy stopped")
	return nil
}
