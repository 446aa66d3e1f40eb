// Package cycle runs one training cycle end to end: pipeline stages, model
// comparison, promotion, state update and report. It also serves the operator
// actions that must not overlap with a running cycle.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/modelkeeper/pkg/artifacts"
	"github.com/HatiCode/modelkeeper/pkg/lock"
	"github.com/HatiCode/modelkeeper/pkg/models"
	"github.com/HatiCode/modelkeeper/pkg/pipeline"
	"github.com/HatiCode/modelkeeper/pkg/promotion"
	"github.com/HatiCode/modelkeeper/pkg/report"
	"github.com/HatiCode/modelkeeper/pkg/state"
	"github.com/HatiCode/modelkeeper/pkg/trigger"
	"github.com/HatiCode/modelkeeper/pkg/validator"
)

var (
	// ErrCycleInProgress is returned when another cycle or operator action
	// holds the lock. The caller skips instead of waiting.
	ErrCycleInProgress = errors.New("a cycle is already in progress")

	// ErrNotPassed is returned by Promote when validation did not pass.
	ErrNotPassed = errors.New("candidates did not pass validation")

	// ErrPanic wraps a panic recovered during a cycle.
	ErrPanic = errors.New("panic during cycle")
)

// Recorder receives cycle telemetry. The daemon backs it with Prometheus.
type Recorder interface {
	RecordCycle(status report.Status, kind report.ErrorKind, d time.Duration)
	RecordStage(stage string, d time.Duration, err error)
	RecordValidation(r validator.Result)
	RecordPromotion(err error)
	RecordRollback(err error)
	SetProductionModels(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordCycle(report.Status, report.ErrorKind, time.Duration) {}
func (nopRecorder) RecordStage(string, time.Duration, error)                   {}
func (nopRecorder) RecordValidation(validator.Result)                          {}
func (nopRecorder) RecordPromotion(error)                                      {}
func (nopRecorder) RecordRollback(error)                                       {}
func (nopRecorder) SetProductionModels(int)                                    {}

// Deps are the collaborators of an Orchestrator. Recorder may be nil.
type Deps struct {
	Store     artifacts.Store
	Runner    *pipeline.Runner
	Validator *validator.Validator
	Promoter  *promotion.Manager
	State     state.Store
	Trigger   *trigger.Evaluator
	Reports   report.Store
	Locker    lock.Locker
	Recorder  Recorder

	// BackupRetention is the number of snapshots kept after a promotion.
	// Zero keeps every snapshot.
	BackupRetention int
}

// Orchestrator runs training cycles.
type Orchestrator struct {
	deps   Deps
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if deps.Runner != nil {
		deps.Runner.SetObserver(deps.Recorder.RecordStage)
	}
	return &Orchestrator{
		deps:   deps,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
		logger: logger.With("component", "cycle"),
	}
}

// SetClock replaces the clock used for report and state timestamps.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// acquire takes the cycle lock or reports ErrCycleInProgress. The returned
// context is cancelled if the lock is lost.
func (o *Orchestrator) acquire(ctx context.Context) (context.Context, lock.Release, error) {
	lctx, release, err := o.deps.Locker.TryLock(ctx)
	if err != nil {
		if errors.Is(err, lock.ErrLocked) {
			return nil, nil, fmt.Errorf("%w: %w", ErrCycleInProgress, err)
		}
		return nil, nil, fmt.Errorf("acquire cycle lock: %w", err)
	}
	return lctx, release, nil
}

// lockLost replaces err with the lock loss cause when the lock went away
// while the cycle ran, so the failure is not mistaken for a stage error.
func lockLost(lctx context.Context, err error) error {
	lost := lock.Lost(lctx)
	if lost == nil {
		return err
	}
	if err == nil {
		return lost
	}
	return fmt.Errorf("%w (interrupted: %v)", lost, err)
}

// RunCycle runs the pipeline, compares the staged candidates against
// production and promotes them when every one passed. A report is saved for
// every cycle that obtained the lock, and the returned error is the cycle's
// failure, if any. A rejected candidate is not an error.
func (o *Orchestrator) RunCycle(ctx context.Context, trig report.Trigger, reasons []string) (rep report.CycleReport, err error) {
	lctx, release, err := o.acquire(ctx)
	if err != nil {
		o.logger.Info("cycle skipped", "trigger", trig, "reason", err)
		return report.CycleReport{}, err
	}
	defer release()

	rep = report.CycleReport{
		ID:                o.newID(),
		Trigger:           trig,
		Reasons:           reasons,
		StartedAt:         o.now().UTC(),
		StageReached:      report.StageCollect,
		ValidationResults: []validator.Result{},
	}
	log := o.logger.With("cycle", rep.ID, "trigger", trig)
	log.Info("cycle starting", "reasons", reasons)

	defer func() {
		if r := recover(); r != nil {
			log.Error("cycle panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
		rep = o.finish(ctx, log, rep, err)
	}()

	runs, err := o.deps.Runner.Run(lctx)
	if len(runs) > 0 {
		rep.StageReached = report.Stage(runs[len(runs)-1].Name)
	}
	if err != nil {
		return rep, lockLost(lctx, err)
	}

	rep.StageReached = report.StageCompare
	outcome, err := o.deps.Validator.Validate(lctx)
	rep.ValidationResults = append(rep.ValidationResults, outcome.Results...)
	for _, r := range outcome.Results {
		o.deps.Recorder.RecordValidation(r)
	}
	if err != nil {
		return rep, lockLost(lctx, err)
	}

	if !outcome.Passed() {
		rep.Status = report.StatusRejected
		rep.StageReached = report.StageComplete
		log.Info("candidates rejected, production unchanged")
		o.updateState(ctx, log, outcome, false)
		return rep, nil
	}

	rep.StageReached = report.StagePromote
	if err := lock.Lost(lctx); err != nil {
		log.Error("cycle lock lost, promotion aborted", "error", err)
		return rep, err
	}
	res, err := o.deps.Promoter.Promote(ctx, outcome.Names())
	o.deps.Recorder.RecordPromotion(err)
	rep.SnapshotID = res.Snapshot.ID
	if err != nil {
		if !errors.Is(err, promotion.ErrProductionUndefined) && !errors.Is(err, promotion.ErrBackupFailed) {
			// Production is back at the snapshot; the baseline still serves.
			o.updateState(ctx, log, outcome, false)
		}
		return rep, err
	}

	rep.Promoted = true
	rep.Status = report.StatusPromoted
	rep.StageReached = report.StageComplete
	o.updateState(ctx, log, outcome, true)
	o.prune(ctx, log)
	return rep, nil
}

// finish completes and persists the report. Persisting never changes the
// cycle's own outcome.
func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, rep report.CycleReport, err error) report.CycleReport {
	rep.FinishedAt = o.now().UTC()
	if err != nil {
		rep.Status = report.StatusFailed
		rep.ErrorKind, rep.Severity = report.Classify(err)
		rep.Error = err.Error()
	}

	o.deps.Recorder.RecordCycle(rep.Status, rep.ErrorKind, rep.Duration())
	o.refreshProductionGauge(ctx)

	// Save even when the cycle context was cancelled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if saveErr := o.deps.Reports.Save(saveCtx, rep); saveErr != nil {
		log.Error("failed to save cycle report", "error", saveErr)
	}

	attrs := []any{
		"status", rep.Status,
		"stage", rep.StageReached,
		"promoted", rep.Promoted,
		"duration", rep.Duration(),
	}
	if err != nil {
		attrs = append(attrs, "error_kind", rep.ErrorKind, "severity", rep.Severity, "error", err)
		if rep.Severity == report.SeverityFatal || rep.Severity == report.SeverityHigh {
			log.Error("cycle failed", attrs...)
		} else {
			log.Warn("cycle failed", attrs...)
		}
	} else {
		log.Info("cycle finished", attrs...)
	}
	return rep
}

// updateState records a completed cycle. The trade count is read from the
// live counter; when it cannot be read the previous value is kept. The
// accuracy is that of the classifier now serving production.
func (o *Orchestrator) updateState(ctx context.Context, log *slog.Logger, outcome validator.Outcome, promoted bool) {
	prev, err := o.deps.State.Get(ctx)
	if err != nil {
		log.Error("failed to read state, counters not updated", "error", err)
		return
	}

	next := prev
	next.LastTrainTime = o.now().UTC()

	if n, err := o.deps.Trigger.TradeCount(ctx); err != nil {
		log.Warn("trade count unavailable, keeping previous value", "error", err)
	} else if n != nil {
		next.LastTrainTradeCount = n
	}

	if acc, ok := servingAccuracy(outcome, promoted); ok {
		next.LastKnownAccuracy = &acc
	}

	if err := o.deps.State.Set(ctx, next); err != nil {
		log.Error("failed to write state", "error", err)
	}
}

// servingAccuracy returns the lowest accuracy among classifiers serving
// production after the cycle.
func servingAccuracy(outcome validator.Outcome, promoted bool) (float64, bool) {
	var acc float64
	found := false
	for _, r := range outcome.Results {
		if r.Kind != models.Classifier {
			continue
		}
		m := r.BaselineMetric
		if promoted {
			m = r.CandidateMetric
		}
		if m == nil {
			continue
		}
		if !found || *m < acc {
			acc, found = *m, true
		}
	}
	return acc, found
}

func (o *Orchestrator) prune(ctx context.Context, log *slog.Logger) {
	if o.deps.BackupRetention <= 0 {
		return
	}
	if _, err := o.deps.Promoter.Prune(ctx, o.deps.BackupRetention); err != nil {
		log.Warn("failed to prune snapshots", "error", err)
	}
}

func (o *Orchestrator) refreshProductionGauge(ctx context.Context) {
	if o.deps.Store == nil {
		return
	}
	if infos, err := o.deps.Store.List(context.WithoutCancel(ctx), artifacts.Production); err == nil {
		o.deps.Recorder.SetProductionModels(len(infos))
	}
}
