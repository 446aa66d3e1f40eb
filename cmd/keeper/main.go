// Command keeper runs the model lifecycle daemon.
//
// The keeper runs a scheduler loop that:
//  1. Evaluates the retraining rules every hour (model age, new trades, accuracy)
//  2. Runs an unconditional cycle once a day at the configured local time
//  3. Runs the collect, train and validate stages of the training pipeline
//  4. Compares every staged candidate with its production counterpart
//  5. Backs up production and promotes the candidates when all of them pass
//
// The keeper serves an operator API on port 8090 (configurable) providing:
//   - POST /promote, POST /rollback, POST /prune, POST /cycles - Operator actions
//   - GET /production, /backups, /reports, /reports/latest, /status - Read-only views
//   - GET /healthz - Health check endpoint
//   - GET /metrics - Prometheus metrics endpoint
//
// If a failed promotion cannot be undone the scheduler halts and /healthz
// reports 503, while the operator API stays up so production can be rolled back.
//
// Usage:
//
//	keeper \
//	  -artifact-root=/var/lib/models \
//	  -holdout=/var/lib/data/holdout.csv \
//	  -collect-cmd='python -m agent.collect' \
//	  -train-cmd='python -m agent.train' \
//	  -validate-cmd='python -m agent.validate' \
//	  -state=redis -trades=redis -lock=redis -redis-addr=redis:6379
//
// Every flag has an environment variable fallback (for example ARTIFACT_ROOT,
// HOLDOUT_PATH, TRAIN_CMD, MIN_NEW_TRADES, DAILY_TICK_TIME, TIMEZONE), and a .env
// file is loaded first when present.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/HatiCode/modelkeeper/cmd/keeper/config"
	"github.com/HatiCode/modelkeeper/cmd/keeper/logger"
	"github.com/HatiCode/modelkeeper/cmd/keeper/metrics"
	"github.com/HatiCode/modelkeeper/cmd/keeper/router"
	"github.com/HatiCode/modelkeeper/pkg/httpx"
	"github.com/HatiCode/modelkeeper/pkg/scheduler"
)

// version is set via ldflags at build time
var version = "dev"

func main() {
	if err := config.LoadDotEnv(os.Getenv("KEEPER_ENV_FILE")); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	cfg := config.ParseFlags()

	log, syncLog, err := logger.New(logger.Options{Format: cfg.LogFormat, Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = syncLog() }()
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("keeper failed", "error", err)
		_ = syncLog()
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(cfg *config.Config, log *slog.Logger) error {
	log.Info("starting modelkeeper",
		"version", version,
		"artifact_root", cfg.ArtifactRoot,
		"state", cfg.StateBackend,
		"lock", cfg.LockBackend,
		"reports", cfg.ReportBackend,
	)

	c, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Error("failed to close resources", "error", err)
		}
	}()

	m := metrics.New(nil)
	orch := newOrchestrator(cfg, c, m, log)

	loop, err := scheduler.New(orch, cfg.Scheduler(), log, scheduler.WithObserver(m.SetSchedulerState))
	if err != nil {
		return err
	}
	m.SetSchedulerState(loop.State())

	var halted atomic.Pointer[error]
	health := func(ctx context.Context) error {
		if p := halted.Load(); p != nil {
			return *p
		}
		return c.ping(ctx)
	}

	handler := httpx.Chain(
		router.SetupRoutes(orch, loop, health, log),
		httpx.RecoveryMiddleware(log),
		httpx.LoggingMiddleware(log),
	)
	server := httpx.NewServer(cfg.Listen, handler, cfg.ShutdownTimeout, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := loop.Run(ctx)
		switch {
		case errors.Is(err, scheduler.ErrHalted):
			log.Error("scheduler halted, manual rollback required", "error", err)
			halted.Store(&err)
			return nil
		case errors.Is(err, context.Canceled):
			return nil
		}
		return err
	})

	g.Go(func() error {
		return server.Run(ctx)
	})

	err = g.Wait()
	log.Info("shutting down")
	return err
}
