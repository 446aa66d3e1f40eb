package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// StageRun records one executed stage.
type StageRun struct {
	Name     string
	Duration time.Duration
	Output   string
	Err      error
}

// Observer is notified after every stage.
type Observer func(stage string, d time.Duration, err error)

// Runner executes stages strictly in order.
type Runner struct {
	stages   []Stage
	timeout  time.Duration
	observer Observer
	logger   *slog.Logger
}

// NewRunner creates a runner. A timeout of 0 disables the per-stage limit.
func NewRunner(stages []Stage, timeout time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		stages:  stages,
		timeout: timeout,
		logger:  logger.With("component", "pipeline"),
	}
}

// SetObserver installs a per-stage callback, typically for metrics.
func (r *Runner) SetObserver(o Observer) {
	r.observer = o
}

// Stages returns the configured stage names in order.
func (r *Runner) Stages() []string {
	names := make([]string, len(r.stages))
	for i, s := range r.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes every stage. The first failing stage aborts the run: later
// stages are not started and the returned error is a *StageError for it.
// The returned runs cover every stage that was started.
func (r *Runner) Run(ctx context.Context) ([]StageRun, error) {
	runs := make([]StageRun, 0, len(r.stages))

	for _, stage := range r.stages {
		if err := ctx.Err(); err != nil {
			return runs, err
		}

		run := r.runStage(ctx, stage)
		runs = append(runs, run)

		if r.observer != nil {
			r.observer(run.Name, run.Duration, run.Err)
		}

		if run.Err != nil {
			r.logger.Error("stage failed",
				"stage", run.Name,
				"duration", run.Duration,
				"error", run.Err,
				"output", run.Output,
			)
			return runs, run.Err
		}
		r.logger.Info("stage completed", "stage", run.Name, "duration", run.Duration)
	}

	return runs, nil
}

func (r *Runner) runStage(ctx context.Context, stage Stage) StageRun {
	stageCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	r.logger.Info("stage starting", "stage", stage.Name())
	start := time.Now()
	res, err := stage.Run(stageCtx)
	run := StageRun{Name: stage.Name(), Duration: time.Since(start), Output: res.Output}

	if err == nil {
		return run
	}

	var se *StageError
	if !errors.As(err, &se) {
		se = &StageError{Stage: stage.Name(), Err: err}
	}
	run.Output = se.Output

	// The stage context expired but the cycle's did not: the stage timed out.
	if ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		se = &StageError{
			Stage:  stage.Name(),
			Output: se.Output,
			Err:    fmt.Errorf("%w after %s", ErrStageTimeout, r.timeout),
		}
	}
	run.Err = se
	return run
}
