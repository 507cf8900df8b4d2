package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"niolab/internal/adapter/gateway"
	"niolab/internal/adapter/history"
	"niolab/internal/adapter/llm"
	"niolab/internal/infra/config"
	"niolab/internal/infra/logger"
	"niolab/internal/infra/tracer"
	"niolab/internal/usecase/eventbus"
	"niolab/internal/usecase/orchestrate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "niolab:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "niolab.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	modelService := config.NewModelService(cfg.Model.Path, cfg.Model.CacheTTL, log)
	llmClient := llm.NewClient(modelService, nil, log)
	var invoker llm.Invoker = llm.NewCircuitBreakerInvoker(llmClient, llm.CircuitBreakerConfig{}, log)

	registry := orchestrate.NewRegistry(log)
	bus := eventbus.New(log)
	defer bus.Close()

	orchestrator := orchestrate.NewOrchestrator(
		orchestrate.NewRouter(invoker, registry, log),
		orchestrate.NewDispatcher(invoker, registry, cfg.Orchestrator.HistoryWindow, cfg.Orchestrator.MaxConcurrentExperts, log),
		orchestrate.NewSynthesizer(invoker, registry, log),
		bus,
		log,
	)

	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.New(cfg.History.Path, log)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		defer store.Close()
	}

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Model.RefreshSchedule, func() {
		modelService.Refresh()
	}); err != nil {
		return fmt.Errorf("schedule model config refresh: %w", err)
	}
	if store != nil {
		maxAge := cfg.History.MaxAge
		if _, err := scheduler.AddFunc(cfg.History.PruneSchedule, func() {
			pruneCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if _, err := store.Prune(pruneCtx, maxAge); err != nil {
				log.Warn("run history prune failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("schedule history prune: %w", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := gateway.NewServer(cfg.Gateway, orchestrator, registry, modelService, llmClient, store, bus, log)

	log.Info("niolab starting",
		"addr", cfg.Gateway.Addr,
		"history", cfg.History.Enabled,
		"model_configured", modelService.Get().IsConfigured(),
	)
	if !modelService.Get().IsConfigured() {
		log.Warn("model endpoint not configured; chat requests will be rejected until apiKey is set")
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Info("niolab stopped")
	return nil
}
