package detect

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/chainintel/internal/graphstore"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Whale tracker: large transfers plus repeated custodial flows
// Receipts from exchanges build an accumulation streak for the receiver;
// deposits to exchanges build a distribution streak for the sender.
// ---------------------------------------------------------------------------

// WhaleConfig configures whale detection.
type WhaleConfig struct {
	Threshold      float64       `yaml:"threshold" validate:"gt=0"`    // ETH; whale_transfer at or above
	FlowWindow     time.Duration `yaml:"flow_window" validate:"gt=0"`  // rolling window in chain time
	MinRepetitions int           `yaml:"min_repetitions" validate:"gte=2"`
	MinFlowValue   float64       `yaml:"min_flow_value"` // ETH; smaller custodial flows are ignored
	MaxTracked     int           `yaml:"max_tracked"`    // tracked addresses cap
}

// DefaultWhaleConfig returns defaults.
func DefaultWhaleConfig() WhaleConfig {
	return WhaleConfig{
		Threshold:      100,
		FlowWindow:     24 * time.Hour,
		MinRepetitions: 3,
		MinFlowValue:   1,
		MaxTracked:     100_000,
	}
}

type flow struct {
	Hash  string
	Value float64
	At    time.Time
}

// flowHistory is an immutable per-address value; updates replace it.
type flowHistory struct {
	In, Out []flow
	Seen    map[string]time.Time // hashes inside the window
	LastAt  time.Time
}

// WhaleTracker detects whale signals and keeps per-address flow state
// across windows.
type WhaleTracker struct {
	config    WhaleConfig
	custodial *graphstore.Custodial
	flows     *xsync.Map[string, flowHistory]

	transfers     atomic.Int64
	accumulations atomic.Int64
	distributions atomic.Int64
}

// NewWhaleTracker creates a whale tracker.
func NewWhaleTracker(config WhaleConfig, custodial *graphstore.Custodial) *WhaleTracker {
	if custodial == nil {
		custodial = graphstore.NewCustodial(nil)
	}
	return &WhaleTracker{
		config:    config,
		custodial: custodial,
		flows:     xsync.NewMap[string, flowHistory](),
	}
}

// Observe processes one transaction, applies its flow state and returns
// the signals it completes.
func (w *WhaleTracker) Observe(tx model.Transaction) []model.Signal {
	st := w.Stage()
	out := st.Observe(tx)
	w.Apply(st)
	return out
}

// WhaleStage holds flow updates for one window. Signals are computed
// against a private overlay; the shared state only changes on Apply.
type WhaleStage struct {
	w       *WhaleTracker
	overlay map[string]flowHistory
	pending []pendingFlow

	transfers, accumulations, distributions int64
}

type pendingFlow struct {
	addr    string
	tx      model.Transaction
	inbound bool
}

// Stage starts a staged set of observations.
func (w *WhaleTracker) Stage() *WhaleStage {
	return &WhaleStage{w: w, overlay: make(map[string]flowHistory)}
}

// Observe processes one transaction against the staged state.
func (s *WhaleStage) Observe(tx model.Transaction) []model.Signal {
	var out []model.Signal
	cfg := s.w.config
	v := tx.ValueFloat()

	if v >= cfg.Threshold {
		conf := 0.5 + 0.25*math.Log2(v/cfg.Threshold)
		out = append(out, model.NewSignal(model.SignalWhaleTransfer, []string{tx.Hash},
			math.Min(conf, 0.99), v, tx.From, tx.Timestamp))
		s.transfers++
	}

	if v < cfg.MinFlowValue || tx.To == "" {
		return out
	}
	fromCEX, toCEX := s.w.custodial.IsCustodial(tx.From), s.w.custodial.IsCustodial(tx.To)
	switch {
	case fromCEX && !toCEX:
		if sig, ok := s.record(tx.To, tx, true); ok {
			out = append(out, sig)
			s.accumulations++
		}
	case toCEX && !fromCEX:
		if sig, ok := s.record(tx.From, tx, false); ok {
			out = append(out, sig)
			s.distributions++
		}
	}
	return out
}

func (s *WhaleStage) record(addr string, tx model.Transaction, inbound bool) (model.Signal, bool) {
	old, ok := s.overlay[addr]
	if !ok {
		var tracked bool
		old, tracked = s.w.flows.Load(addr)
		if !tracked && s.w.full() {
			log.Warn().Str("address", addr).Msg("detect: whale tracker full, flow ignored")
			return model.Signal{}, false
		}
	}
	h, sig, fired, applied := s.w.advance(old, addr, tx, inbound)
	if !applied {
		return model.Signal{}, false
	}
	s.overlay[addr] = h
	s.pending = append(s.pending, pendingFlow{addr: addr, tx: tx, inbound: inbound})
	return sig, fired
}

// Apply commits a stage to the shared flow state. Flows another stage
// already applied are skipped by hash.
func (w *WhaleTracker) Apply(s *WhaleStage) {
	if s == nil {
		return
	}
	for _, p := range s.pending {
		if _, tracked := w.flows.Load(p.addr); !tracked && w.full() {
			continue
		}
		w.flows.Compute(p.addr, func(old flowHistory, _ bool) (flowHistory, xsync.ComputeOp) {
			h, _, _, applied := w.advance(old, p.addr, p.tx, p.inbound)
			if !applied {
				return old, xsync.CancelOp
			}
			return h, xsync.UpdateOp
		})
	}
	w.transfers.Add(s.transfers)
	w.accumulations.Add(s.accumulations)
	w.distributions.Add(s.distributions)
}

func (w *WhaleTracker) full() bool {
	return w.config.MaxTracked > 0 && w.flows.Size() >= w.config.MaxTracked
}

// advance appends a custodial flow to old. When the streak in the window
// reaches MinRepetitions it yields a signal and the streak restarts. A
// hash already in the window is not applied.
func (w *WhaleTracker) advance(old flowHistory, addr string, tx model.Transaction, inbound bool) (flowHistory, model.Signal, bool, bool) {
	if _, dup := old.Seen[tx.Hash]; dup {
		return old, model.Signal{}, false, false
	}
	h := flowHistory{
		In:     pruneFlows(old.In, tx.Timestamp, w.config.FlowWindow),
		Out:    pruneFlows(old.Out, tx.Timestamp, w.config.FlowWindow),
		Seen:   make(map[string]time.Time, len(old.Seen)+1),
		LastAt: tx.Timestamp,
	}
	cutoff := tx.Timestamp.Add(-w.config.FlowWindow)
	for k, at := range old.Seen {
		if !at.Before(cutoff) {
			h.Seen[k] = at
		}
	}
	h.Seen[tx.Hash] = tx.Timestamp
	if old.LastAt.After(h.LastAt) {
		h.LastAt = old.LastAt
	}

	f := flow{Hash: tx.Hash, Value: tx.ValueFloat(), At: tx.Timestamp}
	streak := &h.Out
	typ := model.SignalDistribution
	if inbound {
		streak = &h.In
		typ = model.SignalAccumulation
	}
	*streak = append(*streak, f)

	if len(*streak) < w.config.MinRepetitions {
		return h, model.Signal{}, false, true
	}
	hashes := make([]string, len(*streak))
	total := 0.0
	for i, s := range *streak {
		hashes[i] = s.Hash
		total += s.Value
	}
	extra := float64(len(*streak) - w.config.MinRepetitions)
	sig := model.NewSignal(typ, hashes, math.Min(0.6+0.1*extra, 0.95), total, addr, tx.Timestamp)
	*streak = nil
	return h, sig, true, true
}

func pruneFlows(fs []flow, now time.Time, window time.Duration) []flow {
	cutoff := now.Add(-window)
	out := make([]flow, 0, len(fs)+1)
	for _, f := range fs {
		if !f.At.Before(cutoff) {
			out = append(out, f)
		}
	}
	return out
}

// Purge drops addresses with no custodial activity since cutoff.
func (w *WhaleTracker) Purge(cutoff time.Time) int {
	n := 0
	w.flows.Range(func(addr string, h flowHistory) bool {
		if h.LastAt.Before(cutoff) {
			w.flows.Delete(addr)
			n++
		}
		return true
	})
	return n
}

// WhaleStats returns tracker statistics.
type WhaleStats struct {
	Tracked       int   `json:"tracked"`
	Transfers     int64 `json:"transfers"`
	Accumulations int64 `json:"accumulations"`
	Distributions int64 `json:"distributions"`
}

// Stats returns current statistics.
func (w *WhaleTracker) Stats() WhaleStats {
	return WhaleStats{
		Tracked:       w.flows.Size(),
		Transfers:     w.transfers.Load(),
		Accumulations: w.accumulations.Load(),
		Distributions: w.distributions.Load(),
	}
}
