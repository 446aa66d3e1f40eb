package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/modelkeeper/cmd/keeper/config"
	"github.com/HatiCode/modelkeeper/pkg/lock"
	"github.com/HatiCode/modelkeeper/pkg/pipeline"
	"github.com/HatiCode/modelkeeper/pkg/report"
	"github.com/HatiCode/modelkeeper/pkg/state"
)

func testConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	base := []string{
		"-artifact-root", t.TempDir(),
		"-holdout", filepath.Join(t.TempDir(), "holdout.csv"),
		"-collect-cmd", "echo collect",
		"-train-url", "http://trainer:8000/train",
		"-validate-cmd", "exit 0",
	}
	cfg, err := config.Parse(flag.NewFlagSet("keeper", flag.ContinueOnError), append(base, args...))
	require.NoError(t, err)
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildStages(t *testing.T) {
	cfg := testConfig(t, "-workdir", "/srv/agent")
	stages := buildStages(cfg)
	require.Len(t, stages, 3)

	collect, ok := stages[0].(*pipeline.ExecStage)
	require.True(t, ok, "collect should be a command stage")
	assert.Equal(t, pipeline.Collect, collect.Name())
	assert.Equal(t, "sh", collect.Command)
	assert.Equal(t, []string{"-c", "echo collect"}, collect.Args)
	assert.Equal(t, "/srv/agent", collect.Dir)

	train, ok := stages[1].(*pipeline.HTTPStage)
	require.True(t, ok, "train should be an HTTP stage")
	assert.Equal(t, "http://trainer:8000/train", train.URL)

	assert.Equal(t, pipeline.Validate, stages[2].Name())
}

func TestBuild_DefaultBackends(t *testing.T) {
	cfg := testConfig(t)
	c, err := build(cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	assert.Nil(t, c.redis)
	assert.Nil(t, c.counter, "no trade source configured")
	assert.IsType(t, &state.MemoryStore{}, c.state)
	assert.IsType(t, &report.MemoryStore{}, c.reports)
	assert.IsType(t, &lock.FileLocker{}, c.locker)
	assert.Equal(t, []string{"collect", "train", "validate"}, c.runner.Stages())
	assert.NoError(t, c.ping(context.Background()))

	orch := newOrchestrator(cfg, c, nil, quietLogger())
	rep, err := orch.ProductionReport(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Models)
}

func TestBuild_FileLockAndSQLiteReports(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "reports.db")
	cfg := testConfig(t, "-lock", "file", "-reports", "sqlite", "-report-dsn", dsn)

	c, err := build(cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	assert.IsType(t, &lock.FileLocker{}, c.locker)
	assert.IsType(t, &report.SQLStore{}, c.reports)

	_, release, err := c.locker.TryLock(context.Background())
	require.NoError(t, err)
	release()

	require.NoError(t, c.reports.Save(context.Background(), report.CycleReport{ID: "c1", Status: report.StatusRejected}))
	latest, found, err := c.reports.Latest(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "c1", latest.ID)
}

func TestBuildLocker_DefaultExcludesLocalTools(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	daemon, err := buildLocker(cfg, nil, quietLogger())
	require.NoError(t, err)
	_, release, err := daemon.TryLock(ctx)
	require.NoError(t, err)

	// keeperctl --artifact-root locks the same file.
	local, err := lock.NewFileLocker(filepath.Join(cfg.ArtifactRoot, ".cycle.lock"), nil)
	require.NoError(t, err)
	_, _, err = local.TryLock(ctx)
	require.ErrorIs(t, err, lock.ErrLocked)

	release()
	_, releaseLocal, err := local.TryLock(ctx)
	require.NoError(t, err)
	releaseLocal()
}

func TestBuildStages_HTTPStagesShareClient(t *testing.T) {
	cfg, err := config.Parse(flag.NewFlagSet("keeper", flag.ContinueOnError), []string{
		"-artifact-root", t.TempDir(),
		"-holdout", "holdout.csv",
		"-collect-url", "http://agent:8000/collect",
		"-train-url", "http://trainer:8000/train",
		"-validate-cmd", "exit 0",
	})
	require.NoError(t, err)

	stages := buildStages(cfg)
	collect, ok := stages[0].(*pipeline.HTTPStage)
	require.True(t, ok)
	train, ok := stages[1].(*pipeline.HTTPStage)
	require.True(t, ok)

	require.NotNil(t, collect.HTTPClient)
	assert.Same(t, collect.HTTPClient, train.HTTPClient)
}

func TestBuildCounter(t *testing.T) {
	cfg := testConfig(t, "-trades", "http", "-trade-url", "http://agent/stats", "-trade-count-path", "data.total")

	counter, ok := buildCounter(cfg, nil).(*state.HTTPCounter)
	require.True(t, ok)
	assert.Equal(t, "http://agent/stats", counter.URL)
	assert.Equal(t, "data.total", counter.CountPath)
	assert.NotNil(t, counter.HTTPClient)
}
