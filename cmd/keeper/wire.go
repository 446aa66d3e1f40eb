package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HatiCode/modelkeeper/cmd/keeper/config"
	"github.com/HatiCode/modelkeeper/pkg/artifacts"
	"github.com/HatiCode/modelkeeper/pkg/cycle"
	"github.com/HatiCode/modelkeeper/pkg/dataset"
	"github.com/HatiCode/modelkeeper/pkg/httpx"
	"github.com/HatiCode/modelkeeper/pkg/lock"
	"github.com/HatiCode/modelkeeper/pkg/pipeline"
	"github.com/HatiCode/modelkeeper/pkg/promotion"
	"github.com/HatiCode/modelkeeper/pkg/report"
	"github.com/HatiCode/modelkeeper/pkg/state"
	"github.com/HatiCode/modelkeeper/pkg/trigger"
	"github.com/HatiCode/modelkeeper/pkg/validator"
)

// components are the long-lived collaborators built from the configuration.
type components struct {
	redis   *redis.Client
	store   *artifacts.FSStore
	state   state.Store
	counter state.TradeCounter
	reports report.Store
	locker  lock.Locker
	runner  *pipeline.Runner
	closers []func() error
}

// Close releases every resource in reverse creation order.
func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ping checks the shared Redis connection, when there is one.
func (c *components) ping(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}

func build(cfg *config.Config, logger *slog.Logger) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if cfg.UsesRedis() {
		c.redis, err = state.NewRedisClient(state.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, c.redis.Close)
		logger.Info("connected to redis", "addr", cfg.RedisAddr, "db", cfg.RedisDB)
	}

	if c.store, err = artifacts.NewFSStore(cfg.ArtifactRoot); err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	c.state = buildState(cfg, c.redis)
	c.counter = buildCounter(cfg, c.redis)

	if c.reports, err = buildReports(cfg, c.redis); err != nil {
		return nil, err
	}
	if closer, ok := c.reports.(interface{ Close() error }); ok {
		c.closers = append(c.closers, closer.Close)
	}

	if c.locker, err = buildLocker(cfg, c.redis, logger); err != nil {
		return nil, err
	}

	c.runner = pipeline.NewRunner(buildStages(cfg), cfg.StageTimeout, logger)
	return c, nil
}

func buildState(cfg *config.Config, client *redis.Client) state.Store {
	if cfg.StateBackend == config.BackendRedis {
		return state.NewRedisStore(client, cfg.KeyPrefix)
	}
	return state.NewMemoryStore(state.State{})
}

func buildCounter(cfg *config.Config, client *redis.Client) state.TradeCounter {
	switch cfg.TradeSource {
	case config.BackendRedis:
		return state.NewRedisCounter(client, cfg.TradeKey)
	case config.BackendHTTP:
		return &state.HTTPCounter{
			URL:        cfg.TradeURL,
			CountPath:  cfg.TradeCountPath,
			HTTPClient: httpx.NewClient(cfg.HTTPTimeout),
		}
	default:
		return nil
	}
}

func buildReports(cfg *config.Config, client *redis.Client) (report.Store, error) {
	switch cfg.ReportBackend {
	case config.BackendRedis:
		return report.NewRedisStore(client, cfg.KeyPrefix+"reports", cfg.ReportHistory), nil
	case config.BackendSQLite, config.BackendPostgres:
		return report.OpenSQL(cfg.ReportBackend, cfg.ReportDSN)
	default:
		return report.NewMemoryStore(cfg.ReportHistory), nil
	}
}

func buildLocker(cfg *config.Config, client *redis.Client, logger *slog.Logger) (lock.Locker, error) {
	switch cfg.LockBackend {
	case config.BackendRedis:
		return lock.NewRedisLocker(client, cfg.KeyPrefix+"lock:cycle", cfg.LockExpiry, logger), nil
	case config.BackendFile:
		return lock.NewFileLocker(cfg.LockPath(), logger)
	default:
		return lock.NewMemoryLocker(), nil
	}
}

// buildStages turns the stage configuration into pipeline stages. Commands
// run through sh so operators can use pipes and environment expansion. HTTP
// stages share one client; the runner's stage timeout bounds each request.
func buildStages(cfg *config.Config) []pipeline.Stage {
	client := httpx.NewClient(0)
	stages := make([]pipeline.Stage, 0, len(cfg.Stages))
	for _, sc := range cfg.Stages {
		if sc.URL != "" {
			stages = append(stages, &pipeline.HTTPStage{StageName: sc.Name, URL: sc.URL, HTTPClient: client})
			continue
		}
		stages = append(stages, &pipeline.ExecStage{
			StageName: sc.Name,
			Command:   "sh",
			Args:      []string{"-c", sc.Command},
			Dir:       cfg.WorkDir,
		})
	}
	return stages
}

func newOrchestrator(cfg *config.Config, c *components, rec cycle.Recorder, logger *slog.Logger) *cycle.Orchestrator {
	return cycle.New(cycle.Deps{
		Store:           c.store,
		Runner:          c.runner,
		Validator:       validator.New(c.store, dataset.File(cfg.HoldoutPath), logger),
		Promoter:        promotion.NewManager(c.store, logger),
		State:           c.state,
		Trigger:         trigger.New(c.counter, cfg.Thresholds(), logger),
		Reports:         c.reports,
		Locker:          c.locker,
		Recorder:        rec,
		BackupRetention: cfg.BackupRetention,
	}, logger)
}
