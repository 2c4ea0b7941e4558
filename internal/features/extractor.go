package features

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ---------------------------------------------------------------------------
// Feature Extractor: per-address behavioral features for one window
// Addresses are partitioned by hash so each worker owns a disjoint key set;
// a short single-threaded merge assembles the window.
// ---------------------------------------------------------------------------

// Config configures the Extractor.
type Config struct {
	Partitions         int           `yaml:"partitions"`            // parallel workers per window
	MinRateSpan        time.Duration `yaml:"min_rate_span"`         // floor for the tx-rate denominator
	HighFreqTxPerHour  float64       `yaml:"high_freq_tx_per_hour"` // pattern: high frequency
	LowValue           float64       `yaml:"low_value"`             // pattern: low average value (ETH)
	HighValue          float64       `yaml:"high_value"`            // pattern: high average value (ETH)
	SparseMaxTx        int           `yaml:"sparse_max_tx"`         // pattern: few transactions
	ContractHeavyRatio float64       `yaml:"contract_heavy_ratio"`  // pattern: mostly contract calls
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Partitions:         4,
		MinRateSpan:        time.Hour,
		HighFreqTxPerHour:  20,
		LowValue:           0.1,
		HighValue:          50,
		SparseMaxTx:        5,
		ContractHeavyRatio: 0.8,
	}
}

// accumulator holds streaming statistics for one address.
type accumulator struct {
	txCount       int
	inCount       int
	outCount      int
	contractCalls int
	value         Welford
	gas           Welford // outgoing only; the sender pays gas
	total         float64
	max           float64
	counterparts  map[string]struct{}
	first, last   time.Time
}

func newAccumulator() *accumulator {
	return &accumulator{counterparts: make(map[string]struct{})}
}

func (a *accumulator) observe(tx model.Transaction, outgoing bool, counterparty string) {
	v := tx.ValueFloat()
	a.txCount++
	a.value.Add(v)
	a.total += v
	if v > a.max {
		a.max = v
	}
	if outgoing {
		a.outCount++
		a.gas.Add(tx.GasPriceFloat())
		if tx.ContractInteraction {
			a.contractCalls++
		}
	} else {
		a.inCount++
	}
	if counterparty != "" {
		a.counterparts[counterparty] = struct{}{}
	}
	if a.first.IsZero() || tx.Timestamp.Before(a.first) {
		a.first = tx.Timestamp
	}
	if tx.Timestamp.After(a.last) {
		a.last = tx.Timestamp
	}
}

// Extractor computes AddressFeatureVectors for a window of transactions.
type Extractor struct {
	config Config

	windows atomic.Int64
	vectors atomic.Int64
	coerced atomic.Int64
}

// NewExtractor creates a new Extractor.
func NewExtractor(config Config) *Extractor {
	if config.Partitions <= 0 {
		config.Partitions = 1
	}
	if config.MinRateSpan <= 0 {
		config.MinRateSpan = time.Hour
	}
	return &Extractor{config: config}
}

// Extract builds a Window from txs. The input slice is not modified.
func (x *Extractor) Extract(ctx context.Context, txs []model.Transaction) (*Window, error) {
	ordered := append([]model.Transaction(nil), txs...)
	model.SortByChainOrder(ordered)

	w := newWindow(ordered)
	if len(ordered) == 0 {
		return w, nil
	}

	parts := x.config.Partitions
	results := make([]map[string]*accumulator, parts)

	g, gctx := errgroup.WithContext(ctx)
	for p := 0; p < parts; p++ {
		g.Go(func() error {
			local := make(map[string]*accumulator)
			for i, tx := range ordered {
				if i%1024 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				if partitionOf(tx.From, parts) == p {
					acc := local[tx.From]
					if acc == nil {
						acc = newAccumulator()
						local[tx.From] = acc
					}
					cp := tx.To
					if cp == tx.From {
						cp = ""
					}
					acc.observe(tx, true, cp)
				}
				if tx.To != "" && tx.To != tx.From && partitionOf(tx.To, parts) == p {
					acc := local[tx.To]
					if acc == nil {
						acc = newAccumulator()
						local[tx.To] = acc
					}
					acc.observe(tx, false, tx.From)
				}
			}
			results[p] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("features: extract window: %w", err)
	}

	// Merge: partitions own disjoint addresses.
	spanHours := math.Max(w.End.Sub(w.Start).Hours(), x.config.MinRateSpan.Hours())
	for _, local := range results {
		for addr, acc := range local {
			w.Vectors[addr] = x.vector(addr, acc, spanHours)
		}
	}
	w.finalize()

	x.windows.Add(1)
	x.vectors.Add(int64(len(w.Vectors)))

	log.Debug().
		Str("window", w.ID).
		Int("txs", len(ordered)).
		Int("addresses", len(w.Vectors)).
		Float64("baseline_gas_gwei", w.BaselineGasPrice).
		Msg("features: window extracted")

	return w, nil
}

func (x *Extractor) vector(addr string, acc *accumulator, spanHours float64) model.AddressFeatureVector {
	v := model.AddressFeatureVector{
		Address:              addr,
		TxCount:              acc.txCount,
		UniqueCounterparties: len(acc.counterparts),
		FirstSeen:            acc.first,
		LastSeen:             acc.last,
	}
	v.TotalValue = x.finite(addr, "total_value", acc.total)
	v.AvgValue = x.finite(addr, "avg_value", acc.value.Mean())
	v.ValueStdDev = x.finite(addr, "value_stddev", acc.value.StdDev())
	v.GasPriceMean = x.finite(addr, "gas_price_mean", acc.gas.Mean())
	v.GasPriceStdDev = x.finite(addr, "gas_price_stddev", acc.gas.StdDev())
	if acc.outCount > 0 {
		v.ContractInteractionRatio = x.finite(addr, "contract_interaction_ratio",
			float64(acc.contractCalls)/float64(acc.outCount))
	}
	v.ActivitySpanSeconds = x.finite(addr, "activity_span_seconds", acc.last.Sub(acc.first).Seconds())
	if total := acc.inCount + acc.outCount; total > 0 {
		v.InOutRatio = float64(acc.inCount) / float64(total)
	}
	v.MaxValue = x.finite(addr, "max_value", acc.max)
	v.TxRatePerHour = x.finite(addr, "tx_rate_per_hour", float64(acc.txCount)/spanHours)
	v.Pattern = x.classify(v)
	return v
}

// finite coerces NaN/Inf to 0 and logs the coercion.
func (x *Extractor) finite(addr, feature string, v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		x.coerced.Add(1)
		log.Warn().
			Str("address", addr).
			Str("feature", feature).
			Msg("features: non-finite value coerced to 0")
		return 0
	}
	return v
}

// classify assigns the coarse activity pattern.
func (x *Extractor) classify(v model.AddressFeatureVector) model.ActivityPattern {
	switch {
	case v.TxRatePerHour >= x.config.HighFreqTxPerHour && v.AvgValue <= x.config.LowValue:
		return model.PatternHighFreqLowValue
	case v.AvgValue >= x.config.HighValue && v.TxCount <= x.config.SparseMaxTx:
		return model.PatternHighValueSparse
	case v.ContractInteractionRatio >= x.config.ContractHeavyRatio:
		return model.PatternContractHeavy
	default:
		return model.PatternRegular
	}
}

// partitionOf maps an address to one of n partitions.
func partitionOf(addr string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(addr) % uint64(n))
}

// Stats returns extractor counters.
type Stats struct {
	Windows int64 `json:"windows"`
	Vectors int64 `json:"vectors"`
	Coerced int64 `json:"coerced"`
}

func (x *Extractor) Stats() Stats {
	return Stats{
		Windows: x.windows.Load(),
		Vectors: x.vectors.Load(),
		Coerced: x.coerced.Load(),
	}
}

// sortedKeys returns the sorted keys of m.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
