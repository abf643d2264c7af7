// Errmap - Error code mapping between merchant platforms and payment providers.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/errmap/internal/api"
	"github.com/opensource-finance/errmap/internal/bus"
	"github.com/opensource-finance/errmap/internal/cache"
	"github.com/opensource-finance/errmap/internal/domain"
	"github.com/opensource-finance/errmap/internal/export"
	"github.com/opensource-finance/errmap/internal/mapper"
	"github.com/opensource-finance/errmap/internal/pipeline"
	"github.com/opensource-finance/errmap/internal/quality"
	"github.com/opensource-finance/errmap/internal/repository"
	"github.com/opensource-finance/errmap/internal/requester"
	"github.com/opensource-finance/errmap/internal/worker"
)

// Set via ldflags.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := domain.LoadConfig(os.Getenv("ERRMAP_CONFIG"))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.Logging))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		slog.Error("errmap exited", "error", err)
		stop()
		os.Exit(1)
	}
}

// serve builds every component, serves until ctx is cancelled and tears
// everything down in reverse order.
func serve(ctx context.Context, cfg *domain.Config) (err error) {
	slog.Info("starting errmap",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"profile", cfg.Profile,
		"provider", cfg.Requester.Provider,
		"model", cfg.Requester.Model,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"event_bus", cfg.EventBus.Type,
		"export", cfg.Export.Type,
	)

	var teardown []func() error
	defer func() {
		for i := len(teardown) - 1; i >= 0; i-- {
			err = errors.Join(err, teardown[i]())
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	teardown = append(teardown, repo.Close)

	store, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	teardown = append(teardown, store.Close)

	events, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	teardown = append(teardown, events.Close)

	archive, err := export.New(ctx, cfg.Export)
	if err != nil {
		return fmt.Errorf("export store: %w", err)
	}

	model, err := requester.New(ctx, cfg.Requester)
	if err != nil {
		return fmt.Errorf("requester: %w", err)
	}

	engine, err := quality.NewEngine()
	if err != nil {
		return fmt.Errorf("check engine: %w", err)
	}
	teardown = append(teardown, engine.Close)

	// A database without checks, or one that cannot list them, starts
	// with the built-in checklist only.
	if n, err := api.LoadChecks(ctx, repo, engine); err != nil {
		slog.Warn("custom checks not loaded", "error", err)
	} else {
		slog.Info("custom checks loaded", "count", n)
	}

	processor, err := pipeline.NewProcessor(cfg.Validation, engine)
	if err != nil {
		return fmt.Errorf("processor: %w", err)
	}

	svc, err := mapper.NewService(mapper.Deps{
		Requester:  model,
		Processor:  processor,
		Repository: repo,
		Responses:  cache.NewResponses(store, cfg.Cache.ResponseTTL),
		Bus:        events,
		Store:      archive,
	})
	if err != nil {
		return fmt.Errorf("mapping service: %w", err)
	}

	runs := worker.NewWorker(events, svc)
	if err := runs.Start(worker.Config{
		TenantIDs:  splitList(os.Getenv("ERRMAP_TENANTS")),
		RunTimeout: cfg.Requester.Timeout + time.Minute,
	}); err != nil {
		return fmt.Errorf("run worker: %w", err)
	}
	// Registered after the bus so queued runs drain before it closes.
	teardown = append(teardown, runs.Stop)

	srv := api.NewServer(cfg.Server, repo, store, events, svc, engine, Version)
	listenErr := make(chan error, 1)
	go func() { listenErr <- srv.Start() }()

	slog.Info("errmap is ready", "addr", srv.Addr(), "requester", model.Provider()+"/"+model.Model())
	printBanner(os.Stdout, cfg, srv.Addr())

	select {
	case err := <-listenErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server did not drain", "error", err)
	}
	return nil
}

func newLogger(w io.Writer, cfg domain.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

var endpoints = [][2]string{
	{"POST /validate", "validate a candidate mapping table"},
	{"POST /runs", "run a mapping (async=true queues it)"},
	{"GET  /runs", "list runs"},
	{"GET  /runs/{id}", "run with quality report"},
	{"GET  /runs/{id}/export", "download the validated CSV"},
	{"GET  /checks", "list custom checks"},
	{"POST /checks", "create a custom check"},
	{"POST /checks/reload", "reload checks from the database"},
	{"GET  /health", "liveness"},
	{"GET  /ready", "readiness of backing services"},
}

func printBanner(w io.Writer, cfg *domain.Config, addr string) {
	fmt.Fprintf(w, "\n  errmap %s  (%s profile, %s/%s)\n  listening on http://%s\n\n",
		Version, cfg.Profile, cfg.Requester.Provider, cfg.Requester.Model, addr)
	for _, e := range endpoints {
		fmt.Fprintf(w, "    %-24s %s\n", e[0], e[1])
	}
	fmt.Fprintln(w)
}
