package model

import "time"

// ActivityPattern is a coarse behavioral category used as a similarity bonus
// when clustering.
type ActivityPattern string

const (
	PatternHighFreqLowValue ActivityPattern = "high_freq_low_value"
	PatternHighValueSparse  ActivityPattern = "high_value_sparse"
	PatternContractHeavy    ActivityPattern = "contract_heavy"
	PatternRegular          ActivityPattern = "regular"
)

// FeatureNames lists the numeric features of an AddressFeatureVector in the
// order returned by Values.
var FeatureNames = []string{
	"tx_count",
	"total_value",
	"avg_value",
	"value_stddev",
	"gas_price_mean",
	"gas_price_stddev",
	"contract_interaction_ratio",
	"unique_counterparties",
	"activity_span_seconds",
	"in_out_ratio",
	"max_value",
	"tx_rate_per_hour",
}

// NumFeatures is len(FeatureNames).
const NumFeatures = 12

// AddressFeatureVector summarizes one address's behavior within a window.
// Every numeric field is finite.
type AddressFeatureVector struct {
	Address                  string          `json:"address"`
	TxCount                  int             `json:"tx_count"`
	TotalValue               float64         `json:"total_value"`
	AvgValue                 float64         `json:"avg_value"`
	ValueStdDev              float64         `json:"value_stddev"`
	GasPriceMean             float64         `json:"gas_price_mean"`
	GasPriceStdDev           float64         `json:"gas_price_stddev"`
	ContractInteractionRatio float64         `json:"contract_interaction_ratio"`
	UniqueCounterparties     int             `json:"unique_counterparties"`
	ActivitySpanSeconds      float64         `json:"activity_span_seconds"`
	InOutRatio               float64         `json:"in_out_ratio"` // inbound / (inbound + outbound)
	MaxValue                 float64         `json:"max_value"`
	TxRatePerHour            float64         `json:"tx_rate_per_hour"`
	Pattern                  ActivityPattern `json:"pattern"`
	FirstSeen                time.Time       `json:"first_seen"`
	LastSeen                 time.Time       `json:"last_seen"`
}

// Values returns the numeric features in FeatureNames order.
func (v AddressFeatureVector) Values() []float64 {
	return []float64{
		float64(v.TxCount),
		v.TotalValue,
		v.AvgValue,
		v.ValueStdDev,
		v.GasPriceMean,
		v.GasPriceStdDev,
		v.ContractInteractionRatio,
		float64(v.UniqueCounterparties),
		v.ActivitySpanSeconds,
		v.InOutRatio,
		v.MaxValue,
		v.TxRatePerHour,
	}
}
