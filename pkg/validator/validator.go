// Package validator compares staged candidate models against production on the
// shared held-out dataset.
package validator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/HatiCode/modelkeeper/pkg/artifacts"
	"github.com/HatiCode/modelkeeper/pkg/dataset"
	"github.com/HatiCode/modelkeeper/pkg/models"
)

var (
	// ErrNoCandidates is returned when staging holds no models.
	ErrNoCandidates = errors.New("no candidate models in staging")

	// ErrValidation wraps per-model evaluation errors. It is distinct from a
	// candidate that was evaluated and found worse.
	ErrValidation = errors.New("validation error")

	// ErrKindMismatch is reported when candidate and baseline disagree on kind.
	ErrKindMismatch = errors.New("candidate and baseline kinds differ")
)

// Result is the comparison of one staged model against production.
type Result struct {
	ModelName       string      `json:"model_name"`
	Kind            models.Kind `json:"kind,omitempty"`
	Metric          string      `json:"metric,omitempty"`
	BaselineMetric  *float64    `json:"baseline_metric"`
	CandidateMetric *float64    `json:"candidate_metric"`
	Improvement     float64     `json:"improvement"`
	Passed          bool        `json:"passed"`
	ColdStart       bool        `json:"cold_start"`
	Error           string      `json:"error,omitempty"`
}

// Outcome holds the results of one validation run.
type Outcome struct {
	Results []Result
}

// Passed reports whether every staged model passed. Promotion is all-or-nothing.
func (o Outcome) Passed() bool {
	if len(o.Results) == 0 {
		return false
	}
	for _, r := range o.Results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// Names returns the validated model names in evaluation order.
func (o Outcome) Names() []string {
	names := make([]string, len(o.Results))
	for i, r := range o.Results {
		names[i] = r.ModelName
	}
	return names
}

// Validator evaluates staging against production.
type Validator struct {
	store   artifacts.Store
	holdout dataset.Source
	logger  *slog.Logger
}

// New creates a Validator reading artifacts from store and the held-out set
// from holdout.
func New(store artifacts.Store, holdout dataset.Source, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		store:   store,
		holdout: holdout,
		logger:  logger.With("component", "validator"),
	}
}

// Validate evaluates every staged model. A model that exists only in staging is
// a cold start and passes without comparison. The returned Outcome is always
// populated for the models that were listed; the error wraps ErrValidation
// when any model could not be evaluated.
func (v *Validator) Validate(ctx context.Context) (Outcome, error) {
	staged, err := v.store.List(ctx, artifacts.Staging)
	if err != nil {
		return Outcome{}, fmt.Errorf("list staging: %w", err)
	}
	if len(staged) == 0 {
		return Outcome{}, ErrNoCandidates
	}

	ev := &evaluation{v: v}
	var out Outcome
	var errs *multierror.Error

	for _, info := range staged {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		res, err := ev.model(ctx, info.Name)
		if err != nil {
			res.Passed = false
			res.Error = err.Error()
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", info.Name, err))
		}
		out.Results = append(out.Results, res)

		v.logger.Info("model validated",
			"model", res.ModelName,
			"kind", res.Kind,
			"cold_start", res.ColdStart,
			"passed", res.Passed,
			"improvement", res.Improvement,
			"error", res.Error,
		)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return out, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return out, nil
}

// evaluation loads the held-out set at most once per run.
type evaluation struct {
	v       *Validator
	data    *dataset.Dataset
	dataErr error
	loaded  bool
}

func (e *evaluation) heldOut(ctx context.Context) (*dataset.Dataset, error) {
	if !e.loaded {
		e.data, e.dataErr = e.v.holdout.Load(ctx)
		e.loaded = true
	}
	return e.data, e.dataErr
}

func (e *evaluation) model(ctx context.Context, name string) (Result, error) {
	res := Result{ModelName: name}

	candidate, err := e.v.store.Get(ctx, artifacts.Staging, name)
	if err != nil {
		return res, fmt.Errorf("load candidate: %w", err)
	}
	candModel, candTransform, err := load(candidate)
	if err != nil {
		return res, fmt.Errorf("candidate: %w", err)
	}
	res.Kind = candModel.Kind()
	res.Metric = candModel.Kind().Metric()

	baseline, err := e.v.store.Get(ctx, artifacts.Production, name)
	if errors.Is(err, artifacts.ErrNotFound) {
		res.ColdStart = true
		res.Passed = true
		// Informational only: a cold start passes even without a held-out set.
		if ds, dsErr := e.heldOut(ctx); dsErr == nil {
			if score, scoreErr := scoreOn(ds, candModel, candTransform); scoreErr == nil {
				res.CandidateMetric = &score
			}
		}
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("load baseline: %w", err)
	}

	baseModel, baseTransform, err := load(baseline)
	if err != nil {
		return res, fmt.Errorf("baseline: %w", err)
	}
	if baseModel.Kind() != candModel.Kind() {
		return res, fmt.Errorf("%w: candidate %s, baseline %s", ErrKindMismatch, candModel.Kind(), baseModel.Kind())
	}

	ds, err := e.heldOut(ctx)
	if err != nil {
		return res, err
	}

	baseScore, err := scoreOn(ds, baseModel, baseTransform)
	if err != nil {
		return res, fmt.Errorf("score baseline: %w", err)
	}
	candScore, err := scoreOn(ds, candModel, candTransform)
	if err != nil {
		return res, fmt.Errorf("score candidate: %w", err)
	}

	res.BaselineMetric = &baseScore
	res.CandidateMetric = &candScore
	res.Improvement, res.Passed = models.Compare(candModel.Kind(), baseScore, candScore)
	return res, nil
}

func load(a artifacts.Artifact) (models.Model, models.Transform, error) {
	m, err := models.Decode(a.Payload)
	if err != nil {
		return nil, nil, err
	}
	t, err := models.DecodeTransform(a.Companion)
	if err != nil {
		return nil, nil, fmt.Errorf("companion transform: %w", err)
	}
	return m, t, nil
}

func scoreOn(ds *dataset.Dataset, m models.Model, t models.Transform) (float64, error) {
	X, y, err := ds.Matrix(m.Features(), m.Target())
	if err != nil {
		return 0, err
	}
	return models.Score(m, t, X, y)
}
