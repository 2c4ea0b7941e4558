package risk

import (
	"math"
	"sort"

	"github.com/nexus-trading/chainintel/internal/model"
)

// FeatureNames is the fixed risk feature set: the address feature vector
// followed by four signal-derived features.
var FeatureNames = append(append([]string(nil), model.FeatureNames...),
	"mev_activity_score",
	"whale_score",
	"sanctions_score",
	"cluster_confidence",
)

// NumFeatures is len(FeatureNames).
const NumFeatures = model.NumFeatures + 4

// Input is everything known about an address when it is scored.
type Input struct {
	Vector            model.AddressFeatureVector
	MEVCount          int                    // sandwiches with the address as attacker
	WhaleCount        int                    // whale_transfer/accumulation/distribution signals
	Sanctions         *model.SanctionsResult // nil when not screened
	ClusterConfidence float64                // owning entity confidence, 0 if unclustered
}

// Values returns the features in FeatureNames order. Every value is finite.
func (in Input) Values() []float64 {
	out := make([]float64, 0, NumFeatures)
	for _, v := range in.Vector.Values() {
		out = append(out, model.FiniteOrZero(v))
	}
	return append(out,
		saturate(float64(in.MEVCount), 2),
		saturate(float64(in.WhaleCount), 2),
		in.sanctionsScore(),
		model.Clamp01(in.ClusterConfidence),
	)
}

// sanctionsScore is the match confidence of a sanctioned address. An
// unverified fail-closed result counts half.
func (in Input) sanctionsScore() float64 {
	s := in.Sanctions
	if s == nil || !s.IsSanctioned {
		return 0
	}
	if s.Confidence <= 0 {
		return 0.5
	}
	return model.Clamp01(s.Confidence)
}

// saturate maps [0, inf) onto [0, 1): 1 - exp(-x/scale).
func saturate(x, scale float64) float64 {
	if x <= 0 || scale <= 0 {
		return 0
	}
	return 1 - math.Exp(-x/scale)
}

func sortedKeys(m map[string]Input) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
