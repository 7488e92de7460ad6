package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/storage"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, cfg *domain.Config, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.Server.Host, "host", cfg.Server.Host, "listen host")
	fs.IntVar(&cfg.Server.Port, "port", cfg.Server.Port, "listen port")
	fs.BoolVar(&cfg.Worker.Enabled, "worker", cfg.Worker.Enabled, "consume asynchronous batch submissions")
	fs.Func("tenants", "comma separated tenants with dedicated workers", func(v string) error {
		cfg.Worker.TenantIDs = splitList(v)
		cfg.Server.QueueTenants = cfg.Worker.TenantIDs
		return nil
	})
	banner := fs.Bool("banner", true, "print the startup banner")
	if err := fs.Parse(args); err != nil {
		return err
	}

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	runner := pipeline.NewRunner(repo, cacheImpl, ingest.NewLoader(storage.New(cfg.Storage)), pipeline.Options{
		Detection:      cfg.Detection,
		ExtendedChecks: cfg.Worker.ExtendedChecks,
		RuleWorkers:    cfg.Worker.RuleWorkers,
		SummaryTTL:     cfg.Worker.SummaryTTL,
	})

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, runner)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.TenantIDs}); err != nil {
			return fmt.Errorf("start async worker: %w", err)
		}
		slog.Info("async worker started", "tenant_count", len(cfg.Worker.TenantIDs))
	}

	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, runner, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("kestrel is ready", "addr", srv.Addr())
	if *banner {
		printBanner(cfg, Version)
	}

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	// Stop async worker first so in-flight runs finish before the stores close.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printBanner(cfg *domain.Config, version string) {
	w := os.Stdout
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  KESTREL  batch fraud scoring for insurance claims")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Version:  %s\n", version)
	fmt.Fprintf(w, "  Tier:     %s\n", cfg.Tier)
	fmt.Fprintf(w, "  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(w, "  Worker:   %t\n", cfg.Worker.Enabled)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Endpoints:")
	fmt.Fprintln(w, "    POST /detect                - Score a batch of claims")
	fmt.Fprintln(w, "    POST /benford/report        - Leading digit distribution")
	fmt.Fprintln(w, "    GET  /runs                  - List recent runs")
	fmt.Fprintln(w, "    GET  /runs/{id}             - Get run by ID")
	fmt.Fprintln(w, "    GET  /runs/{id}/results     - Scored results for a run")
	fmt.Fprintln(w, "    GET  /runs/{id}/providers   - Provider risk for a run")
	fmt.Fprintln(w, "    GET  /bundles               - List procedure bundles")
	fmt.Fprintln(w, "    POST /bundles               - Create a procedure bundle")
	fmt.Fprintln(w, "    GET  /rules                 - List custom rules")
	fmt.Fprintln(w, "    POST /rules                 - Create a custom rule")
	fmt.Fprintln(w, "    POST /rules/reload          - Hot-reload rules from database")
	fmt.Fprintln(w, "    GET  /health                - Health check")
	fmt.Fprintln(w, "    GET  /metrics               - Prometheus metrics")
	fmt.Fprintln(w)
}
