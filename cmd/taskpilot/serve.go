package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/internal/bus"
	"github.com/taskpilot/taskpilot/internal/common/config"
	"github.com/taskpilot/taskpilot/internal/common/logger"
	"github.com/taskpilot/taskpilot/internal/pipeline"
	"github.com/taskpilot/taskpilot/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon (API, pipeline engine, agent runner)",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	log.Info("starting taskpilot",
		zap.String("db", cfg.Database.Path),
		zap.Int("port", cfg.Server.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	eventBus, err := bus.New(cfg.NATS.URL, log)
	if err != nil {
		return err
	}
	defer eventBus.Close()

	st, closeStore, err := provideStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	if err := pipeline.SeedBuiltins(ctx, st); err != nil {
		return fmt.Errorf("failed to seed pipelines: %w", err)
	}

	svcs, err := provideServices(st, eventBus, log)
	if err != nil {
		return err
	}

	reconcile(ctx, st, svcs, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      svcs.api.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("HTTP server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	// Running agents get marked interrupted; fire_and_forget hooks drain.
	if err := svcs.agents.Shutdown(shutdownCtx); err != nil {
		log.Warn("agent shutdown incomplete", zap.Error(err))
	}
	svcs.engine.Wait()

	log.Info("taskpilot stopped")
	return nil
}
