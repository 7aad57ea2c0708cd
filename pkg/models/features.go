package models

import (
	"encoding/json"
	"fmt"
	"math"
)

// FeatureVector is the [normalizedRisk, kycFlag] pair consumed by scoring
type FeatureVector [2]float64

func (f FeatureVector) Risk() float64 { return f[0] }
func (f FeatureVector) KYC() float64  { return f[1] }

// WithRisk returns a copy with the risk component replaced
func (f FeatureVector) WithRisk(risk float64) FeatureVector {
	f[0] = risk
	return f
}

// Encode serializes the vector as a JSON list
func (f FeatureVector) Encode() ([]byte, error) {
	for _, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("feature vector contains non-finite value: %v", f)
		}
	}
	return json.Marshal([]float64{f[0], f[1]})
}

// DecodeFeatureVector parses a cached feature list. Lists longer than two
// elements keep their first two components.
func DecodeFeatureVector(data []byte) (FeatureVector, error) {
	var raw []float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return FeatureVector{}, fmt.Errorf("failed to decode feature vector: %w", err)
	}
	if len(raw) < 2 {
		return FeatureVector{}, fmt.Errorf("feature vector has %d elements, want 2", len(raw))
	}
	return FeatureVector{raw[0], raw[1]}, nil
}
