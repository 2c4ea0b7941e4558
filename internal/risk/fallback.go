package risk

import (
	"github.com/nexus-trading/chainintel/internal/model"
)

// FallbackVersion tags scores produced without a trained model.
const FallbackVersion = "fallback-v1"

// fallbackTerm is one weighted, saturating term of the fallback score.
type fallbackTerm struct {
	feature string
	weight  float64
	scale   float64 // saturation scale; 0 means the value is already in [0,1]
}

var fallbackTerms = []fallbackTerm{
	{feature: "sanctions_score", weight: 0.35},
	{feature: "mev_activity_score", weight: 0.25},
	{feature: "whale_score", weight: 0.10},
	{feature: "tx_rate_per_hour", weight: 0.07, scale: 50},
	{feature: "max_value", weight: 0.06, scale: 500},
	{feature: "unique_counterparties", weight: 0.05, scale: 100},
	{feature: "gas_price_stddev", weight: 0.04, scale: 50},
	{feature: "contract_interaction_ratio", weight: 0.03},
	{feature: "cluster_confidence", weight: 0.05},
}

// sanctionedFloor is the minimum fallback score of a sanctioned address.
const sanctionedFloor = 0.9

// fallbackScore is a rule-based weighted sum over the same features.
func fallbackScore(values []float64) (float64, []model.Contribution) {
	pos := make(map[string]int, NumFeatures)
	for i, name := range FeatureNames {
		pos[name] = i
	}

	total, norm := 0.0, 0.0
	contrib := make([]model.Contribution, 0, len(fallbackTerms))
	for _, t := range fallbackTerms {
		x := values[pos[t.feature]]
		if t.scale > 0 {
			x = saturate(x, t.scale)
		} else {
			x = model.Clamp01(x)
		}
		c := t.weight * x
		total += c
		norm += t.weight
		contrib = append(contrib, model.Contribution{Feature: t.feature, Weight: c})
	}
	score := 0.0
	if norm > 0 {
		score = total / norm
	}
	if values[pos["sanctions_score"]] >= 0.99 && score < sanctionedFloor {
		score = sanctionedFloor
	}
	return model.Clamp01(score), contrib
}
