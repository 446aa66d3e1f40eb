package models

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Linear is a linear regressor: y = intercept + coefficients . x
type Linear struct {
	env envelope
}

// Kind implements Model.
func (m *Linear) Kind() Kind { return Regressor }

// Features implements Model.
func (m *Linear) Features() []string { return m.env.Features }

// Target implements Model.
func (m *Linear) Target() string { return m.env.Target }

// Predict implements Model.
func (m *Linear) Predict(x []float64) (float64, error) {
	return linearScore(m.env, x)
}

// Logistic is a binary classifier over a linear score passed through the
// logistic function. Rows scoring at or above the threshold are labelled 1.
type Logistic struct {
	env       envelope
	threshold float64
}

// Kind implements Model.
func (m *Logistic) Kind() Kind { return Classifier }

// Features implements Model.
func (m *Logistic) Features() []string { return m.env.Features }

// Target implements Model.
func (m *Logistic) Target() string { return m.env.Target }

// Threshold returns the probability cut-off for the positive class.
func (m *Logistic) Threshold() float64 { return m.threshold }

// Probability returns the positive-class probability for x.
func (m *Logistic) Probability(x []float64) (float64, error) {
	z, err := linearScore(m.env, x)
	if err != nil {
		return 0, err
	}
	return 1 / (1 + math.Exp(-z)), nil
}

// Predict implements Model.
func (m *Logistic) Predict(x []float64) (float64, error) {
	p, err := m.Probability(x)
	if err != nil {
		return 0, err
	}
	if p >= m.threshold {
		return 1, nil
	}
	return 0, nil
}

func linearScore(env envelope, x []float64) (float64, error) {
	if len(x) != len(env.Coefficients) {
		return 0, fmt.Errorf("expected %d features, got %d", len(env.Coefficients), len(x))
	}
	return env.Intercept + floats.Dot(env.Coefficients, x), nil
}
