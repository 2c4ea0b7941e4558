package risk

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/nexus-trading/chainintel/internal/model"
)

// LinearModel is a versioned logistic regression artifact trained offline.
//
//	score = sigmoid(intercept + sum_i weight_i * (t(x_i) - mean_i) / scale_i)
//
// where t is log1p when Transform is "log1p" and the identity otherwise.
// Per-instance contributions are the weighted standardized terms.
type LinearModel struct {
	Version   string    `json:"version"`
	Features  []string  `json:"features"`
	Weights   []float64 `json:"weights"`
	Means     []float64 `json:"means"`
	Scales    []float64 `json:"scales"`
	Intercept float64   `json:"intercept"`
	Transform string    `json:"transform,omitempty"`

	index []int // position of each model feature in FeatureNames
}

// ParseModel decodes and validates a JSON model artifact.
func ParseModel(data []byte) (*LinearModel, error) {
	var m LinearModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("risk: decode model: %w", err)
	}
	if err := m.init(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *LinearModel) init() error {
	n := len(m.Features)
	if n == 0 {
		return fmt.Errorf("risk: model %q has no features", m.Version)
	}
	if len(m.Weights) != n || len(m.Means) != n || len(m.Scales) != n {
		return fmt.Errorf("risk: model %q: features/weights/means/scales length mismatch", m.Version)
	}
	if m.Transform != "" && m.Transform != "log1p" {
		return fmt.Errorf("risk: model %q: unknown transform %q", m.Version, m.Transform)
	}

	pos := make(map[string]int, NumFeatures)
	for i, name := range FeatureNames {
		pos[name] = i
	}
	m.index = make([]int, n)
	for i, name := range m.Features {
		p, ok := pos[name]
		if !ok {
			return fmt.Errorf("risk: model %q: unknown feature %q", m.Version, name)
		}
		m.index[i] = p
		if !finite(m.Weights[i]) || !finite(m.Means[i]) || !finite(m.Scales[i]) {
			return fmt.Errorf("risk: model %q: non-finite parameter for %q", m.Version, name)
		}
	}
	if !finite(m.Intercept) {
		return fmt.Errorf("risk: model %q: non-finite intercept", m.Version)
	}
	return nil
}

// Predict returns the score and per-feature contributions (unsorted).
func (m *LinearModel) Predict(values []float64) (float64, []model.Contribution) {
	z := m.Intercept
	contrib := make([]model.Contribution, len(m.Features))
	for i, name := range m.Features {
		x := values[m.index[i]]
		if m.Transform == "log1p" {
			x = math.Log1p(math.Max(x, 0))
		}
		std := 0.0
		if m.Scales[i] != 0 {
			std = (x - m.Means[i]) / m.Scales[i]
		}
		c := model.FiniteOrZero(m.Weights[i] * std)
		z += c
		contrib[i] = model.Contribution{Feature: name, Weight: c}
	}
	return model.Clamp01(sigmoid(z)), contrib
}

func sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// topContributions sorts by absolute magnitude, then name, and keeps k.
func topContributions(c []model.Contribution, k int) []model.Contribution {
	out := append([]model.Contribution(nil), c...)
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].Weight), math.Abs(out[j].Weight)
		if ai != aj {
			return ai > aj
		}
		return out[i].Feature < out[j].Feature
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
