package models

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Transform maps a raw feature vector into the space a model was fitted in.
type Transform interface {
	Apply(x []float64) ([]float64, error)
}

// Identity leaves feature vectors unchanged. It is used when an artifact has
// no companion transform.
type Identity struct{}

// Apply implements Transform.
func (Identity) Apply(x []float64) ([]float64, error) { return x, nil }

// StandardScaler standardises each feature as (x - mean) / scale.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// Apply implements Transform. A zero scale leaves the centred value unscaled.
func (s *StandardScaler) Apply(x []float64) ([]float64, error) {
	if len(x) != len(s.Mean) {
		return nil, fmt.Errorf("scaler expects %d features, got %d", len(s.Mean), len(x))
	}
	out := make([]float64, len(x))
	for i, v := range x {
		scale := s.Scale[i]
		if scale == 0 {
			scale = 1
		}
		out[i] = (v - s.Mean[i]) / scale
	}
	return out, nil
}

// DecodeTransform parses a companion transform. A nil companion yields Identity.
func DecodeTransform(companion []byte) (Transform, error) {
	if companion == nil {
		return Identity{}, nil
	}
	if !gjson.ValidBytes(companion) {
		return nil, fmt.Errorf("%w: transform is not valid JSON", ErrCorrupt)
	}

	switch kind := gjson.GetBytes(companion, "kind").String(); kind {
	case "standard_scaler":
		var s StandardScaler
		if err := json.Unmarshal(companion, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if len(s.Mean) == 0 || len(s.Mean) != len(s.Scale) {
			return nil, fmt.Errorf("%w: scaler has %d means and %d scales", ErrCorrupt, len(s.Mean), len(s.Scale))
		}
		return &s, nil
	case "identity":
		return Identity{}, nil
	default:
		return nil, fmt.Errorf("%w: transform kind %q", ErrUnknownKind, kind)
	}
}
