package detect

import (
	"math"

	"github.com/nexus-trading/chainintel/internal/model"
)

// ---------------------------------------------------------------------------
// Sandwich detection: frontrun -> victim -> backrun against one pool
// ---------------------------------------------------------------------------

// SandwichConfig configures sandwich detection.
type SandwichConfig struct {
	GasMultiplier float64 `yaml:"gas_multiplier" validate:"gt=1"` // frontrun gas must exceed victim gas by this factor
	MaxBlockGap   uint64  `yaml:"max_block_gap"`                  // max blocks between frontrun and backrun
	MaxScan       int     `yaml:"max_scan"`                       // pool txs inspected after a frontrun candidate
	MaxCarry      int     `yaml:"max_carry"`                      // pool calls per chain carried into the next window
}

// DefaultSandwichConfig returns defaults.
func DefaultSandwichConfig() SandwichConfig {
	return SandwichConfig{
		GasMultiplier: 2.0,
		MaxBlockGap:   2,
		MaxScan:       64,
		MaxCarry:      4096,
	}
}

// Sandwich is one detected frontrun/victim/backrun triple.
type Sandwich struct {
	Front, Victim, Back model.Transaction
	Confidence          float64
	Profit              float64 // ETH, best effort, never negative
}

// Attacker returns the sender of the frontrun and backrun.
func (s Sandwich) Attacker() string { return s.Front.From }

// Hashes returns the hashes in detection order.
func (s Sandwich) Hashes() []string {
	return []string{s.Front.Hash, s.Victim.Hash, s.Back.Hash}
}

// ScanSandwiches finds sandwiches in chain-ordered txs. Each transaction
// takes part in at most one sandwich.
func ScanSandwiches(txs []model.Transaction, cfg SandwichConfig) []Sandwich {
	if cfg.MaxScan <= 0 {
		cfg.MaxScan = 64
	}

	// Group calls by target pool, keeping chain order.
	var pools []string
	byPool := make(map[string][]model.Transaction)
	for _, tx := range txs {
		if tx.To == "" || len(tx.Input) == 0 {
			continue
		}
		if _, ok := byPool[tx.To]; !ok {
			pools = append(pools, tx.To)
		}
		byPool[tx.To] = append(byPool[tx.To], tx)
	}

	var out []Sandwich
	for _, pool := range pools {
		calls := byPool[pool]
		used := make([]bool, len(calls))
		for i := range calls {
			if used[i] {
				continue
			}
			if s, j, k, ok := matchFrom(calls, used, i, cfg); ok {
				used[i], used[j], used[k] = true, true, true
				out = append(out, s)
			}
		}
	}
	return out
}

func matchFrom(calls []model.Transaction, used []bool, i int, cfg SandwichConfig) (Sandwich, int, int, bool) {
	front := calls[i]
	limit := min(len(calls), i+1+cfg.MaxScan)

	for j := i + 1; j < limit; j++ {
		victim := calls[j]
		if used[j] || victim.From == front.From {
			continue
		}
		if victim.BlockNumber-front.BlockNumber > cfg.MaxBlockGap {
			break
		}
		if front.GasPriceFloat() <= victim.GasPriceFloat()*cfg.GasMultiplier {
			continue
		}
		for k := j + 1; k < limit; k++ {
			back := calls[k]
			if back.BlockNumber-front.BlockNumber > cfg.MaxBlockGap {
				break
			}
			if used[k] || back.From != front.From {
				continue
			}
			return Sandwich{
				Front:      front,
				Victim:     victim,
				Back:       back,
				Confidence: sandwichConfidence(front, victim, back, cfg),
				Profit:     sandwichProfit(front, victim, back),
			}, j, k, true
		}
	}
	return Sandwich{}, 0, 0, false
}

// sandwichConfidence rises with the gas gap and falls with the block span.
func sandwichConfidence(front, victim, back model.Transaction, cfg SandwichConfig) float64 {
	gasTerm := 1.0
	if vg := victim.GasPriceFloat(); vg > 0 {
		ratio := front.GasPriceFloat() / vg
		gasTerm = 1 - cfg.GasMultiplier/ratio
	}
	span := float64(back.BlockNumber - front.BlockNumber)
	spanTerm := 1 - span/float64(cfg.MaxBlockGap+1)
	return model.Clamp01(0.4 + 0.45*model.Clamp01(gasTerm) + 0.15*model.Clamp01(spanTerm))
}

// sandwichProfit approximates the attacker's gain as the price impact the
// frontrun imposes on the victim, net of the attacker's gas.
func sandwichProfit(front, victim, back model.Transaction) float64 {
	f, v := front.ValueFloat(), victim.ValueFloat()
	if f <= 0 || v <= 0 {
		return 0
	}
	impact := math.Min(f, v) * v / (f + v)
	return math.Max(0, impact-front.GasCost()-back.GasCost())
}
