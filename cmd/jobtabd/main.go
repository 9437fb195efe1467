package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"jobtab/internal/api"
	"jobtab/internal/config"
	"jobtab/internal/core"
	"jobtab/internal/events"
	"jobtab/internal/logging"
	"jobtab/internal/logsink"
	jobtabmcp "jobtab/internal/mcp"
	"jobtab/internal/notify"
	"jobtab/internal/store"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.File)

	baseCtx := context.Background()
	backend, err := store.Open(baseCtx, store.Options{
		Backend:  cfg.Storage.Backend,
		StateDir: cfg.Storage.StateDir,
		RedisURL: cfg.Storage.RedisURL,
	})
	if err != nil {
		logger.Error("open store", "backend", cfg.Storage.Backend, "err", err)
		os.Exit(1)
	}
	switcher := store.NewSwitcher(backend, cfg.Storage.Backend)
	defer switcher.Close()

	bus := events.NewBus()
	sink := logsink.New(cfg.Log.Capacity, bus)

	var notifier notify.Notifier = &notify.NoOpNotifier{}
	if cfg.Notify.WebhookURL != "" {
		webhook, err := notify.NewWebhookNotifier(cfg.Notify.WebhookURL)
		if err != nil {
			logger.Error("configure webhook notifier", "err", err)
			os.Exit(1)
		}
		notifier = webhook
	}

	executor := core.NewCommandExecutor(switcher, sink, bus, logger)
	scheduler := core.NewScheduler(switcher, executor, sink, bus, notifier, logger, core.SchedulerConfig{
		CheckInterval: cfg.Scheduler.CheckInterval,
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
	})
	service := core.NewTaskService(switcher, scheduler, bus, logger)

	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	if err := scheduler.Recover(baseCtx); err != nil {
		logger.Error("recover stale running tasks", "err", err)
	}
	scheduler.Start(ctx)

	switch cfg.Mode {
	case "http":
		runHTTPMode(cfg, service, scheduler, sink, bus, switcher, logger)
	case "mcp":
		runMCPMode(cfg, service, scheduler, sink, logger, cancel)
	case "both":
		runBothMode(cfg, service, scheduler, sink, bus, switcher, logger)
	}
}

// runHTTPMode serves the HTTP API until a signal or server error.
func runHTTPMode(cfg *config.Config, service *core.TaskService, scheduler *core.Scheduler, sink *logsink.Sink, bus *events.Bus, switcher *store.Switcher, logger *slog.Logger) {
	server := api.NewServer(cfg, service, scheduler, sink, bus, switcher, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	scheduler.Stop(cfg.ShutdownGrace)
}

// runMCPMode serves MCP over stdio; Run blocks until stdin closes.
func runMCPMode(cfg *config.Config, service *core.TaskService, scheduler *core.Scheduler, sink *logsink.Sink, logger *slog.Logger, cancel context.CancelFunc) {
	mcpServer := jobtabmcp.NewMCPServer(service, sink, logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		logger.Info("received signal, shutting down...")
		cancel()
	}()

	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		os.Exit(1)
	}
	scheduler.Stop(cfg.ShutdownGrace)
}

// runBothMode serves the HTTP API with MCP on stdio alongside.
func runBothMode(cfg *config.Config, service *core.TaskService, scheduler *core.Scheduler, sink *logsink.Sink, bus *events.Bus, switcher *store.Switcher, logger *slog.Logger) {
	mcpServer := jobtabmcp.NewMCPServer(service, sink, logger)
	go func() {
		if err := mcpServer.Run(); err != nil {
			logger.Error("mcp server error", "err", err)
		}
	}()
	runHTTPMode(cfg, service, scheduler, sink, bus, switcher, logger)
}
