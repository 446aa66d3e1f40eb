// Package models decodes stored model artifacts and scores them on held-out data.
//
// An artifact payload is a JSON envelope whose "kind" field selects the scorer:
//
//	{"kind":"regressor","name":"roi","features":["a","b"],"target":"roi_rate",
//	 "intercept":0.1,"coefficients":[0.4,-0.2]}
//
// Classifiers additionally carry a decision "threshold" (default 0.5). A companion
// transform, when present, is applied to the feature vector before scoring.
package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Kind tags how a model is evaluated.
type Kind string

const (
	// Regressor models are scored by mean squared error (lower is better).
	Regressor Kind = "regressor"

	// Classifier models are scored by accuracy (higher is better).
	Classifier Kind = "classifier"
)

var (
	// ErrCorrupt is returned when a payload is not a well-formed envelope.
	ErrCorrupt = errors.New("corrupt model artifact")

	// ErrUnknownKind is returned for envelopes with an unsupported kind.
	ErrUnknownKind = errors.New("unknown model kind")
)

// Metric returns the name of the metric used to compare models of this kind.
func (k Kind) Metric() string {
	switch k {
	case Regressor:
		return "mse"
	case Classifier:
		return "accuracy"
	default:
		return ""
	}
}

// Model scores a single feature vector.
type Model interface {
	// Kind returns the model's evaluation kind.
	Kind() Kind

	// Features returns the ordered input column names.
	Features() []string

	// Target returns the label column name.
	Target() string

	// Predict returns the predicted value (regressor) or class label (classifier).
	Predict(x []float64) (float64, error)
}

type envelope struct {
	Kind         Kind      `json:"kind"`
	Name         string    `json:"name"`
	Features     []string  `json:"features"`
	Target       string    `json:"target"`
	Intercept    float64   `json:"intercept"`
	Coefficients []float64 `json:"coefficients"`
	Threshold    *float64  `json:"threshold,omitempty"`
}

// Sniff returns the kind of a payload without fully decoding it.
func Sniff(payload []byte) (Kind, error) {
	if !gjson.ValidBytes(payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrCorrupt)
	}
	kind := gjson.GetBytes(payload, "kind")
	if !kind.Exists() {
		return "", fmt.Errorf("%w: missing kind", ErrCorrupt)
	}
	switch k := Kind(kind.String()); k {
	case Regressor, Classifier:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind.String())
	}
}

// Decode parses a model payload.
func Decode(payload []byte) (Model, error) {
	kind, err := Sniff(payload)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}

	switch kind {
	case Regressor:
		return &Linear{env: env}, nil
	default:
		threshold := 0.5
		if env.Threshold != nil {
			threshold = *env.Threshold
		}
		if threshold <= 0 || threshold >= 1 {
			return nil, fmt.Errorf("%w: threshold %v outside (0, 1)", ErrCorrupt, threshold)
		}
		return &Logistic{env: env, threshold: threshold}, nil
	}
}

func (e envelope) validate() error {
	if len(e.Features) == 0 {
		return fmt.Errorf("%w: no features", ErrCorrupt)
	}
	if e.Target == "" {
		return fmt.Errorf("%w: no target", ErrCorrupt)
	}
	if len(e.Coefficients) != len(e.Features) {
		return fmt.Errorf("%w: %d coefficients for %d features", ErrCorrupt, len(e.Coefficients), len(e.Features))
	}
	return nil
}
