package detect

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/chainintel/internal/graphstore"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Pattern Detectors: MEV (sandwich, liquidation) and whale behaviour
// Detectors read transactions only. Signals are deduplicated by their
// deterministic key so re-processing a window emits nothing new. Keys and
// whale streaks are claimed by Commit when the window publishes, so an
// aborted window leaves no trace and its replay emits in full.
// ---------------------------------------------------------------------------

// Config configures the Detector.
type Config struct {
	Sandwich    SandwichConfig    `yaml:"sandwich"`
	Liquidation LiquidationConfig `yaml:"liquidation"`
	Whale       WhaleConfig       `yaml:"whale"`
	DedupTTL    time.Duration     `yaml:"dedup_ttl"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Sandwich: DefaultSandwichConfig(),
		Whale:    DefaultWhaleConfig(),
		DedupTTL: 72 * time.Hour,
	}
}

// Report is the detector output for one window.
type Report struct {
	Signals    []model.Signal
	MEVActors  map[string]int // sandwich attacker -> count in this window
	Duplicates int

	whale *WhaleStage
}

// Detector runs all pattern detectors over a window.
type Detector struct {
	config      Config
	liquidation *liquidationDetector
	whale       *WhaleTracker
	dedup       Deduper

	mu    sync.Mutex
	carry map[string][]model.Transaction // chain -> pool calls from the last blocks seen

	windows    atomic.Int64
	emitted    atomic.Int64
	duplicates atomic.Int64
	dedupErrs  atomic.Int64
}

// NewDetector creates a Detector. A nil deduper gets an in-memory one.
func NewDetector(config Config, custodial *graphstore.Custodial, dedup Deduper) *Detector {
	if dedup == nil {
		dedup = NewMemoryDeduper(config.DedupTTL)
	}
	return &Detector{
		config:      config,
		liquidation: newLiquidationDetector(config.Liquidation),
		whale:       NewWhaleTracker(config.Whale, custodial),
		dedup:       dedup,
		carry:       make(map[string][]model.Transaction),
	}
}

// Whale exposes the whale tracker for maintenance.
func (d *Detector) Whale() *WhaleTracker { return d.whale }

// Deduper returns the signal deduper.
func (d *Detector) Deduper() Deduper { return d.dedup }

// Detect scans chain-ordered txs and returns the signals not yet claimed.
// Nothing is recorded until Commit.
func (d *Detector) Detect(ctx context.Context, txs []model.Transaction) (Report, error) {
	d.windows.Add(1)
	rep := Report{MEVActors: make(map[string]int)}
	var candidates []model.Signal

	for _, s := range d.scanSandwiches(txs) {
		rep.MEVActors[s.Attacker()]++
		candidates = append(candidates, model.NewSignal(model.SignalSandwichAttack, s.Hashes(),
			s.Confidence, s.Profit, s.Attacker(), s.Back.Timestamp))
	}

	stage := d.whale.Stage()
	for i, tx := range txs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return Report{}, fmt.Errorf("detect: window: %w", err)
			}
		}
		if l, ok := d.liquidation.match(tx); ok {
			candidates = append(candidates, model.NewSignal(model.SignalLiquidation, []string{tx.Hash},
				l.Confidence, tx.ValueFloat(), tx.From, tx.Timestamp))
		}
		candidates = append(candidates, stage.Observe(tx)...)
	}
	rep.whale = stage

	for _, sig := range candidates {
		seen, err := d.dedup.Seen(ctx, sig.Key())
		if err != nil {
			// Emit anyway: IDs are deterministic, consumers can drop repeats.
			d.dedupErrs.Add(1)
			log.Warn().Err(err).Str("key", sig.Key()).Msg("detect: dedup unavailable, emitting")
			seen = false
		}
		if seen {
			rep.Duplicates++
			continue
		}
		rep.Signals = append(rep.Signals, sig)
	}

	d.duplicates.Add(int64(rep.Duplicates))
	return rep, nil
}

// Commit claims the keys of signals about to be published and applies the
// window's staged whale state. Signals another window claimed in the
// meantime are dropped and counted as duplicates.
func (d *Detector) Commit(ctx context.Context, rep Report, signals []model.Signal) ([]model.Signal, int) {
	d.whale.Apply(rep.whale)

	out := signals[:0:0]
	dups := 0
	for _, sig := range signals {
		first, err := d.dedup.FirstSeen(ctx, sig.Key())
		if err != nil {
			d.dedupErrs.Add(1)
			log.Warn().Err(err).Str("key", sig.Key()).Msg("detect: dedup unavailable, emitting")
			first = true
		}
		if !first {
			dups++
			continue
		}
		out = append(out, sig)
	}

	d.emitted.Add(int64(len(out)))
	d.duplicates.Add(int64(dups))
	return out, dups
}

// scanSandwiches runs ScanSandwiches over txs plus the pool calls carried
// from the tail of earlier windows, so a sandwich split across a window
// boundary is still found. Sandwiches lying wholly in the carried tail were
// already reported by the window that held them.
func (d *Detector) scanSandwiches(txs []model.Transaction) []Sandwich {
	d.mu.Lock()
	in := make(map[string]struct{}, len(txs))
	for _, tx := range txs {
		in[tx.Hash] = struct{}{}
	}
	var carried []model.Transaction
	for _, tail := range d.carry {
		for _, tx := range tail {
			if _, dup := in[tx.Hash]; !dup {
				carried = append(carried, tx)
			}
		}
	}
	d.carry = nextCarry(d.carry, txs, d.config.Sandwich)
	d.mu.Unlock()

	if len(carried) == 0 {
		return ScanSandwiches(txs, d.config.Sandwich)
	}
	fromTail := make(map[string]struct{}, len(carried))
	for _, tx := range carried {
		fromTail[tx.Hash] = struct{}{}
	}
	all := append(carried, txs...)
	model.SortByChainOrder(all)

	var out []Sandwich
	for _, s := range ScanSandwiches(all, d.config.Sandwich) {
		if !allIn(fromTail, s.Hashes()) {
			out = append(out, s)
		}
	}
	return out
}

func allIn(set map[string]struct{}, hashes []string) bool {
	for _, h := range hashes {
		if _, ok := set[h]; !ok {
			return false
		}
	}
	return true
}

// nextCarry keeps, per chain, the pool calls within MaxBlockGap of the
// highest block seen, capped at MaxCarry.
func nextCarry(prev map[string][]model.Transaction, txs []model.Transaction, cfg SandwichConfig) map[string][]model.Transaction {
	byChain := make(map[string][]model.Transaction, len(prev))
	top := make(map[string]uint64, len(prev))
	add := func(tx model.Transaction) {
		if tx.To == "" || len(tx.Input) == 0 || tx.BlockNumber == 0 {
			return
		}
		byChain[tx.Chain] = append(byChain[tx.Chain], tx)
		top[tx.Chain] = max(top[tx.Chain], tx.BlockNumber)
	}
	seen := make(map[string]struct{})
	for _, tail := range prev {
		for _, tx := range tail {
			seen[tx.Hash] = struct{}{}
			add(tx)
		}
	}
	for _, tx := range txs {
		if _, dup := seen[tx.Hash]; !dup {
			add(tx)
		}
	}

	out := make(map[string][]model.Transaction, len(byChain))
	for chain, calls := range byChain {
		model.SortByChainOrder(calls)
		floor := uint64(0)
		if top[chain] > cfg.MaxBlockGap {
			floor = top[chain] - cfg.MaxBlockGap
		}
		i := sort.Search(len(calls), func(i int) bool { return calls[i].BlockNumber >= floor })
		tail := calls[i:]
		if cfg.MaxCarry > 0 && len(tail) > cfg.MaxCarry {
			tail = tail[len(tail)-cfg.MaxCarry:]
		}
		out[chain] = append([]model.Transaction(nil), tail...)
	}
	return out
}

// Stats returns detector statistics.
type Stats struct {
	Windows    int64      `json:"windows"`
	Emitted    int64      `json:"emitted"`
	Duplicates int64      `json:"duplicates"`
	DedupErrs  int64      `json:"dedup_errors"`
	Whale      WhaleStats `json:"whale"`
}

// Stats returns current statistics.
func (d *Detector) Stats() Stats {
	return Stats{
		Windows:    d.windows.Load(),
		Emitted:    d.emitted.Load(),
		Duplicates: d.duplicates.Load(),
		DedupErrs:  d.dedupErrs.Load(),
		Whale:      d.whale.Stats(),
	}
}
