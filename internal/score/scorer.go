package score

import (
	"math"

	"github.com/nexus-trading/chainintel/internal/model"
)

// ---------------------------------------------------------------------------
// Confidence Scorer: entity typing via an ordered list of pure rules
// ---------------------------------------------------------------------------

// Profile is the evidence available about a candidate or updated entity.
type Profile struct {
	Members          []model.AddressFeatureVector
	BaselineGasPrice float64        // window median gas price (gwei)
	MEVAdjacency     map[string]int // address -> sandwich participations as attacker
}

// Rule is a pure classification function. ok=false means the rule does not fire.
type Rule struct {
	Name string
	Eval func(Profile) (typ model.EntityType, confidence float64, ok bool)
}

// Config configures the Scorer thresholds.
type Config struct {
	BaselineConfidence float64 `yaml:"baseline_confidence"` // confidence of a lone, unclassified address

	MEVGasMultiplier float64 `yaml:"mev_gas_multiplier"` // gas price vs window baseline
	MEVMinAdjacency  int     `yaml:"mev_min_adjacency"`

	WhaleMinAvgValue float64 `yaml:"whale_min_avg_value"` // ETH
	WhaleMaxTxCount  int     `yaml:"whale_max_tx_count"`

	ExchangeMinTxPerHour     float64 `yaml:"exchange_min_tx_per_hour"`
	ExchangeMaxAvgValue      float64 `yaml:"exchange_max_avg_value"`
	ExchangeMinContractRatio float64 `yaml:"exchange_min_contract_ratio"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaselineConfidence:       0.3,
		MEVGasMultiplier:         3.0,
		MEVMinAdjacency:          1,
		WhaleMinAvgValue:         100,
		WhaleMaxTxCount:          20,
		ExchangeMinTxPerHour:     30,
		ExchangeMaxAvgValue:      1.0,
		ExchangeMinContractRatio: 0.5,
	}
}

// Scorer assigns an entity type and confidence to a profile.
type Scorer struct {
	config Config
	rules  []Rule
}

// NewScorer creates a Scorer with the default rules in priority order:
// mev_bot, whale, exchange.
func NewScorer(config Config) *Scorer {
	s := &Scorer{config: config}
	s.rules = []Rule{
		{Name: "mev_bot", Eval: s.mevBotRule},
		{Name: "whale", Eval: s.whaleRule},
		{Name: "exchange", Eval: s.exchangeRule},
	}
	return s
}

// WithRules replaces the rule list. Rules are evaluated in slice order.
func (s *Scorer) WithRules(rules ...Rule) *Scorer {
	s.rules = rules
	return s
}

// Baseline returns the per-address baseline confidence.
func (s *Scorer) Baseline() float64 { return s.config.BaselineConfidence }

// Match evaluates the rules only. ok=false when none fires.
func (s *Scorer) Match(p Profile) (model.EntityType, float64, string, bool) {
	if len(p.Members) == 0 {
		return model.EntityUnknown, 0, "", false
	}
	for _, r := range s.rules {
		if typ, conf, ok := r.Eval(p); ok {
			return typ, model.Clamp01(conf), r.Name, true
		}
	}
	return model.EntityUnknown, 0, "", false
}

// Score returns the entity type and a confidence in [0,1]. When no rule
// fires the type is unknown and confidence grows with intra-cluster cohesion.
func (s *Scorer) Score(p Profile) (model.EntityType, float64) {
	if typ, conf, _, ok := s.Match(p); ok {
		return typ, conf
	}
	return model.EntityUnknown, s.varianceConfidence(p.Members)
}

// varianceConfidence: baseline + (1-baseline) * cohesion * (1 - 1/n).
func (s *Scorer) varianceConfidence(members []model.AddressFeatureVector) float64 {
	n := len(members)
	base := model.Clamp01(s.config.BaselineConfidence)
	if n < 2 {
		return base
	}
	cohesion := 1 / (1 + meanCoefficientOfVariation(members))
	return model.Clamp01(base + (1-base)*cohesion*(1-1/float64(n)))
}

// meanCoefficientOfVariation averages stddev/|mean| over features with a
// non-zero mean.
func meanCoefficientOfVariation(members []model.AddressFeatureVector) float64 {
	n := float64(len(members))
	sums := make([]float64, model.NumFeatures)
	sq := make([]float64, model.NumFeatures)
	for _, m := range members {
		for i, v := range m.Values() {
			sums[i] += v
			sq[i] += v * v
		}
	}
	total, used := 0.0, 0
	for i := range sums {
		mean := sums[i] / n
		if math.Abs(mean) < 1e-12 {
			continue
		}
		variance := math.Max(sq[i]/n-mean*mean, 0)
		total += math.Sqrt(variance) / math.Abs(mean)
		used++
	}
	if used == 0 {
		return 0
	}
	return model.FiniteOrZero(total / float64(used))
}

// ---------------------------------------------------------------------------
// Rules
// ---------------------------------------------------------------------------

func (s *Scorer) mevBotRule(p Profile) (model.EntityType, float64, bool) {
	if p.BaselineGasPrice <= 0 || len(p.MEVAdjacency) == 0 {
		return "", 0, false
	}
	agg := aggregate(p.Members)
	adjacency := 0
	for _, m := range p.Members {
		adjacency += p.MEVAdjacency[m.Address]
	}
	ratio := agg.gasMean / p.BaselineGasPrice
	if adjacency < s.config.MEVMinAdjacency || ratio < s.config.MEVGasMultiplier {
		return "", 0, false
	}
	gasScore := math.Min(1, (ratio-s.config.MEVGasMultiplier)/s.config.MEVGasMultiplier)
	conf := 0.55 + 0.25*gasScore + 0.05*math.Min(float64(adjacency), 4)
	return model.EntityMEVBot, conf, true
}

func (s *Scorer) whaleRule(p Profile) (model.EntityType, float64, bool) {
	agg := aggregate(p.Members)
	if agg.avgValue < s.config.WhaleMinAvgValue || agg.txCount > s.config.WhaleMaxTxCount {
		return "", 0, false
	}
	conf := 0.5 + 0.2*math.Log10(agg.avgValue/s.config.WhaleMinAvgValue+1)/math.Log10(2)
	return model.EntityWhale, math.Min(conf, 0.95), true
}

func (s *Scorer) exchangeRule(p Profile) (model.EntityType, float64, bool) {
	agg := aggregate(p.Members)
	if agg.txRate < s.config.ExchangeMinTxPerHour ||
		agg.avgValue > s.config.ExchangeMaxAvgValue ||
		agg.contractRatio < s.config.ExchangeMinContractRatio {
		return "", 0, false
	}
	freq := math.Min(1, agg.txRate/(4*s.config.ExchangeMinTxPerHour))
	conf := 0.5 + 0.3*freq + 0.2*agg.contractRatio
	return model.EntityExchange, math.Min(conf, 0.95), true
}

// aggregated is a profile-level view over member vectors.
type aggregated struct {
	txCount       int
	avgValue      float64 // value-weighted by tx count
	gasMean       float64
	txRate        float64
	contractRatio float64
}

func aggregate(members []model.AddressFeatureVector) aggregated {
	var a aggregated
	if len(members) == 0 {
		return a
	}
	var totalValue, gasSum, ratioSum float64
	gasN := 0
	for _, m := range members {
		a.txCount += m.TxCount
		totalValue += m.TotalValue
		a.txRate += m.TxRatePerHour
		ratioSum += m.ContractInteractionRatio
		if m.GasPriceMean > 0 {
			gasSum += m.GasPriceMean
			gasN++
		}
	}
	if a.txCount > 0 {
		a.avgValue = totalValue / float64(a.txCount)
	}
	if gasN > 0 {
		a.gasMean = gasSum / float64(gasN)
	}
	a.contractRatio = ratioSum / float64(len(members))
	return a
}
