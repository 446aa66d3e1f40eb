// Package report defines the record persisted for every training cycle and
// the stores that keep the history.
package report

import (
	"context"
	"errors"
	"time"

	"github.com/HatiCode/modelkeeper/pkg/lock"
	"github.com/HatiCode/modelkeeper/pkg/pipeline"
	"github.com/HatiCode/modelkeeper/pkg/promotion"
	"github.com/HatiCode/modelkeeper/pkg/validator"
)

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerDaily   Trigger = "daily"
	TriggerHourly  Trigger = "hourly"
	TriggerManual  Trigger = "manual"
	TriggerStartup Trigger = "startup"
)

// Stage is the furthest step a cycle reached.
type Stage string

const (
	StageCollect  Stage = "collect"
	StageTrain    Stage = "train"
	StageValidate Stage = "validate"
	StageCompare  Stage = "compare"
	StagePromote  Stage = "promote"
	StageComplete Stage = "complete"
)

// Status is the overall cycle outcome.
type Status string

const (
	// StatusPromoted means every candidate passed and production was updated.
	StatusPromoted Status = "promoted"

	// StatusRejected means validation completed and at least one candidate did
	// not beat production. This is a successful cycle.
	StatusRejected Status = "rejected"

	// StatusFailed means the cycle stopped on an error.
	StatusFailed Status = "failed"
)

// ErrorKind classifies cycle failures.
type ErrorKind string

const (
	KindDataUnavailable     ErrorKind = "data_unavailable"
	KindStageFailure        ErrorKind = "stage_failure"
	KindValidationError     ErrorKind = "validation_error"
	KindBackupFailure       ErrorKind = "backup_failure"
	KindPartialPromotion    ErrorKind = "partial_promotion"
	KindProductionUndefined ErrorKind = "production_undefined"
	KindLocked              ErrorKind = "locked"
	KindInternal            ErrorKind = "internal"
)

// Severity ranks how urgently an operator should look at a failure.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
	SeverityFatal   Severity = "fatal"
)

// Classify maps an error returned by a cycle to its kind and severity.
func Classify(err error) (ErrorKind, Severity) {
	var se *pipeline.StageError

	switch {
	case err == nil:
		return "", SeverityInfo
	case errors.Is(err, promotion.ErrProductionUndefined):
		return KindProductionUndefined, SeverityFatal
	case errors.Is(err, promotion.ErrPartialPromotion):
		return KindPartialPromotion, SeverityHigh
	case errors.Is(err, promotion.ErrBackupFailed):
		return KindBackupFailure, SeverityHigh
	case errors.Is(err, lock.ErrLocked):
		return KindLocked, SeverityInfo
	case errors.Is(err, pipeline.ErrDataUnavailable), errors.Is(err, validator.ErrNoCandidates):
		return KindDataUnavailable, SeverityWarning
	case errors.Is(err, validator.ErrValidation):
		return KindValidationError, SeverityWarning
	case errors.As(err, &se), errors.Is(err, pipeline.ErrStageFailure), errors.Is(err, pipeline.ErrStageTimeout):
		return KindStageFailure, SeverityWarning
	default:
		return KindInternal, SeverityHigh
	}
}

// CycleReport is persisted once per cycle, whatever the outcome.
type CycleReport struct {
	ID                string             `json:"id"`
	Trigger           Trigger            `json:"trigger"`
	Reasons           []string           `json:"reasons"`
	StartedAt         time.Time          `json:"started_at"`
	FinishedAt        time.Time          `json:"finished_at"`
	StageReached      Stage              `json:"stage_reached"`
	Status            Status             `json:"status"`
	Promoted          bool               `json:"promoted"`
	SnapshotID        int64              `json:"snapshot_id,omitempty"`
	ErrorKind         ErrorKind          `json:"error_kind,omitempty"`
	Severity          Severity           `json:"severity,omitempty"`
	Error             string             `json:"error,omitempty"`
	ValidationResults []validator.Result `json:"validation_results"`
}

// Duration returns how long the cycle ran.
func (r CycleReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store keeps the report history.
type Store interface {
	// Save persists a report.
	Save(ctx context.Context, r CycleReport) error

	// Latest returns the most recent report. found is false when none exist.
	Latest(ctx context.Context) (r CycleReport, found bool, err error)

	// List returns up to limit reports, newest first. A limit <= 0 uses DefaultListLimit.
	List(ctx context.Context, limit int) ([]CycleReport, error)
}

// DefaultListLimit bounds List when no limit is given.
const DefaultListLimit = 50

func listLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
