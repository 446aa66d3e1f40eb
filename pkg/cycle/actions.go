package cycle

import (
	"context"
	"fmt"

	"github.com/HatiCode/modelkeeper/pkg/artifacts"
	"github.com/HatiCode/modelkeeper/pkg/lock"
	"github.com/HatiCode/modelkeeper/pkg/promotion"
	"github.com/HatiCode/modelkeeper/pkg/report"
	"github.com/HatiCode/modelkeeper/pkg/state"
	"github.com/HatiCode/modelkeeper/pkg/trigger"
	"github.com/HatiCode/modelkeeper/pkg/validator"
)

// PromoteResult is the outcome of an operator promotion.
type PromoteResult struct {
	Forced     bool               `json:"forced"`
	Validation []validator.Result `json:"validation_results,omitempty"`
	SnapshotID int64              `json:"snapshot_id,omitempty"`
	Promoted   []string           `json:"promoted"`
}

// Promote promotes the current staging collection outside the schedule. Unless
// force is set the candidates are validated first and ErrNotPassed is returned
// when any of them does not beat production.
func (o *Orchestrator) Promote(ctx context.Context, force bool) (PromoteResult, error) {
	lctx, release, err := o.acquire(ctx)
	if err != nil {
		return PromoteResult{}, err
	}
	defer release()

	res := PromoteResult{Forced: force, Promoted: []string{}}
	var names []string

	if force {
		staged, err := o.deps.Store.List(lctx, artifacts.Staging)
		if err != nil {
			return res, fmt.Errorf("list staging: %w", err)
		}
		if len(staged) == 0 {
			return res, validator.ErrNoCandidates
		}
		for _, info := range staged {
			names = append(names, info.Name)
		}
		o.logger.Warn("forced promotion, validation skipped", "models", names)
	} else {
		outcome, err := o.deps.Validator.Validate(lctx)
		res.Validation = outcome.Results
		if err != nil {
			return res, lockLost(lctx, err)
		}
		if !outcome.Passed() {
			return res, ErrNotPassed
		}
		names = outcome.Names()
	}

	if err := lock.Lost(lctx); err != nil {
		return res, err
	}
	pr, err := o.deps.Promoter.Promote(ctx, names)
	o.deps.Recorder.RecordPromotion(err)
	o.refreshProductionGauge(ctx)
	res.SnapshotID = pr.Snapshot.ID
	if err != nil {
		return res, err
	}
	res.Promoted = pr.Promoted
	o.prune(ctx, o.logger)
	return res, nil
}

// Rollback restores production from a snapshot, 0 meaning the latest.
func (o *Orchestrator) Rollback(ctx context.Context, snapshotID int64) (promotion.RollbackResult, error) {
	_, release, err := o.acquire(ctx)
	if err != nil {
		return promotion.RollbackResult{}, err
	}
	defer release()

	res, err := o.deps.Promoter.Rollback(ctx, snapshotID)
	o.deps.Recorder.RecordRollback(err)
	o.refreshProductionGauge(ctx)
	return res, err
}

// Prune deletes all but the newest retain snapshots.
func (o *Orchestrator) Prune(ctx context.Context, retain int) ([]int64, error) {
	lctx, release, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return o.deps.Promoter.Prune(lctx, retain)
}

// ProductionReport lists production artifacts. It is a pure read and does not
// take the lock.
func (o *Orchestrator) ProductionReport(ctx context.Context) (promotion.Report, error) {
	return o.deps.Promoter.GenerateReport(ctx)
}

// Backups lists every snapshot.
func (o *Orchestrator) Backups(ctx context.Context) ([]artifacts.Snapshot, error) {
	return o.deps.Promoter.Backups(ctx)
}

// LatestReport returns the most recent cycle report.
func (o *Orchestrator) LatestReport(ctx context.Context) (report.CycleReport, bool, error) {
	return o.deps.Reports.Latest(ctx)
}

// ListReports returns up to limit cycle reports, newest first.
func (o *Orchestrator) ListReports(ctx context.Context, limit int) ([]report.CycleReport, error) {
	return o.deps.Reports.List(ctx, limit)
}

// TrainingState returns the persisted training cycle state.
func (o *Orchestrator) TrainingState(ctx context.Context) (state.State, error) {
	return o.deps.State.Get(ctx)
}

// ShouldTrain evaluates the trigger rules against the persisted state.
func (o *Orchestrator) ShouldTrain(ctx context.Context) (trigger.Decision, error) {
	s, err := o.deps.State.Get(ctx)
	if err != nil {
		return trigger.Decision{}, fmt.Errorf("read state: %w", err)
	}
	return o.deps.Trigger.ShouldTrain(ctx, s)
}
