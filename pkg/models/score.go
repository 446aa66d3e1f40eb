package models

import (
	"errors"
	"fmt"

	"github.com/montanaflynn/stats"
)

// ErrNoRows is returned when scoring an empty dataset.
var ErrNoRows = errors.New("no rows to score")

// Score evaluates m on the rows of X with labels y. Regressors return the mean
// squared error, classifiers the fraction of correctly labelled rows.
func Score(m Model, t Transform, X [][]float64, y []float64) (float64, error) {
	if len(X) == 0 {
		return 0, ErrNoRows
	}
	if len(X) != len(y) {
		return 0, fmt.Errorf("%d rows but %d labels", len(X), len(y))
	}
	if t == nil {
		t = Identity{}
	}

	per := make(stats.Float64Data, len(X))
	for i, row := range X {
		x, err := t.Apply(row)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}
		pred, err := m.Predict(x)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", i, err)
		}

		switch m.Kind() {
		case Regressor:
			diff := pred - y[i]
			per[i] = diff * diff
		case Classifier:
			if pred == y[i] {
				per[i] = 1
			}
		}
	}

	return stats.Mean(per)
}

// Compare decides whether candidate beats baseline for a model kind and returns
// the improvement. For regressors the improvement is relative, (base - cand) /
// base, and zero when base is zero. For classifiers it is the absolute accuracy
// gain. A tie never passes.
func Compare(kind Kind, baseline, candidate float64) (improvement float64, passed bool) {
	switch kind {
	case Regressor:
		if baseline != 0 {
			improvement = (baseline - candidate) / baseline
		}
		return improvement, candidate < baseline
	case Classifier:
		return candidate - baseline, candidate > baseline
	default:
		return 0, false
	}
}
