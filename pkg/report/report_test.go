package report

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HatiCode/modelkeeper/pkg/lock"
	"github.com/HatiCode/modelkeeper/pkg/pipeline"
	"github.com/HatiCode/modelkeeper/pkg/promotion"
	"github.com/HatiCode/modelkeeper/pkg/validator"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind ErrorKind
		wantSev  Severity
	}{
		{"nil", nil, "", SeverityInfo},
		{"stage exit", &pipeline.StageError{Stage: "train", ExitCode: 1, Err: pipeline.ErrStageFailure}, KindStageFailure, SeverityWarning},
		{"stage timeout", &pipeline.StageError{Stage: "train", Err: pipeline.ErrStageTimeout}, KindStageFailure, SeverityWarning},
		{"stage no data", &pipeline.StageError{Stage: "collect", ExitCode: 75, Err: pipeline.ErrDataUnavailable}, KindDataUnavailable, SeverityWarning},
		{"empty staging", fmt.Errorf("validate: %w", validator.ErrNoCandidates), KindDataUnavailable, SeverityWarning},
		{"validation", fmt.Errorf("%w: roi: corrupt", validator.ErrValidation), KindValidationError, SeverityWarning},
		{"backup", fmt.Errorf("promote: %w: disk full", promotion.ErrBackupFailed), KindBackupFailure, SeverityHigh},
		{"partial", fmt.Errorf("promote: %w", promotion.ErrPartialPromotion), KindPartialPromotion, SeverityHigh},
		{"undefined", fmt.Errorf("promote: %w", promotion.ErrProductionUndefined), KindProductionUndefined, SeverityFatal},
		{"locked", lock.ErrLocked, KindLocked, SeverityInfo},
		{"unexpected", errors.New("nil pointer"), KindInternal, SeverityHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, sev := Classify(tt.err)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantSev, sev)
		})
	}
}

func sampleReport(i int, base time.Time) CycleReport {
	cand := 0.02
	return CycleReport{
		ID:           fmt.Sprintf("cycle-%d", i),
		Trigger:      TriggerHourly,
		Reasons:      []string{"new_trades"},
		StartedAt:    base.Add(time.Duration(i) * time.Hour),
		FinishedAt:   base.Add(time.Duration(i)*time.Hour + time.Minute),
		StageReached: StageComplete,
		Status:       StatusPromoted,
		Promoted:     true,
		SnapshotID:   int64(i),
		ValidationResults: []validator.Result{
			{ModelName: "roi", Kind: "regressor", Metric: "mse", CandidateMetric: &cand, Passed: true, ColdStart: true},
		},
	}
}

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQL("sqlite", filepath.Join(t.TempDir(), "reports.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(0),
		"sql":    sqlStore,
	}
}

func TestStore_SaveLatestList(t *testing.T) {
	base := time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)

	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, found, err := store.Latest(ctx)
			require.NoError(t, err)
			assert.False(t, found)

			for i := 1; i <= 3; i++ {
				require.NoError(t, store.Save(ctx, sampleReport(i, base)))
			}

			latest, found, err := store.Latest(ctx)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, "cycle-3", latest.ID)
			assert.Equal(t, time.Minute, latest.Duration())
			require.Len(t, latest.ValidationResults, 1)
			assert.InDelta(t, 0.02, *latest.ValidationResults[0].CandidateMetric, 1e-12)

			list, err := store.List(ctx, 2)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, "cycle-3", list[0].ID)
			assert.Equal(t, "cycle-2", list[1].ID)

			all, err := store.List(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 3)
		})
	}
}

func TestMemoryStore_Cap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(2)
	base := time.Now()
	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Save(ctx, sampleReport(i, base)))
	}

	list, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "cycle-5", list[0].ID)
	assert.Equal(t, "cycle-4", list[1].ID)
}

func TestOpenSQL_UnknownDriver(t *testing.T) {
	_, err := OpenSQL("mysql", "")
	assert.ErrorContains(t, err, "unsupported report database driver")
}
