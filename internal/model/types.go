package model

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Core records shared by every pipeline stage
// ---------------------------------------------------------------------------

// EntityType classifies a resolved entity.
type EntityType string

const (
	EntityExchange EntityType = "exchange"
	EntityWhale    EntityType = "whale"
	EntityMEVBot   EntityType = "mev_bot"
	EntityUnknown  EntityType = "unknown"
)

func (t EntityType) String() string { return string(t) }

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case EntityExchange, EntityWhale, EntityMEVBot, EntityUnknown:
		return true
	}
	return false
}

// SignalType identifies the kind of behavioral detection.
type SignalType string

const (
	SignalSandwichAttack SignalType = "sandwich_attack"
	SignalLiquidation    SignalType = "liquidation"
	SignalWhaleTransfer  SignalType = "whale_transfer"
	SignalAccumulation   SignalType = "accumulation"
	SignalDistribution   SignalType = "distribution"
)

func (s SignalType) String() string { return string(s) }

// RawTransaction is a transaction record as delivered by an ingestion source.
// Amounts are in the chain's native base unit (wei for EVM chains), either
// decimal or 0x-prefixed hex.
type RawTransaction struct {
	Chain       string `json:"chain" validate:"required"`
	Hash        string `json:"hash" validate:"required,hexadecimal"`
	BlockNumber uint64 `json:"block_number" validate:"required"`
	TxIndex     uint32 `json:"tx_index"`
	Timestamp   int64  `json:"timestamp" validate:"gt=0"` // unix seconds or milliseconds
	From        string `json:"from" validate:"required"`
	To          string `json:"to"`
	Value       string `json:"value"`
	GasPrice    string `json:"gas_price"`
	GasUsed     uint64 `json:"gas_used"`
	Input       string `json:"input"`
}

// Transaction is the canonical, immutable form of a transaction.
type Transaction struct {
	Hash                string          `json:"hash"`
	Chain               string          `json:"chain"`
	BlockNumber         uint64          `json:"block_number"`
	TxIndex             uint32          `json:"tx_index"`
	Timestamp           time.Time       `json:"timestamp"`
	From                string          `json:"from"`
	To                  string          `json:"to"`                  // empty for contract creation
	Value               decimal.Decimal `json:"value"`               // ETH-equivalent
	GasPrice            decimal.Decimal `json:"gas_price"`           // gwei
	GasUsed             uint64          `json:"gas_used"`
	Input               []byte          `json:"input"`
	ContractInteraction bool            `json:"contract_interaction"`
}

// ValueFloat returns the value as float64 for statistics.
func (t Transaction) ValueFloat() float64 { return t.Value.InexactFloat64() }

// GasPriceFloat returns the gas price in gwei as float64.
func (t Transaction) GasPriceFloat() float64 { return t.GasPrice.InexactFloat64() }

// GasCost returns gas price * gas used, in ETH.
func (t Transaction) GasCost() float64 {
	return t.GasPriceFloat() * float64(t.GasUsed) / 1e9
}

// Selector returns the 4-byte method selector, or nil for plain transfers.
func (t Transaction) Selector() []byte {
	if len(t.Input) < 4 {
		return nil
	}
	return t.Input[:4]
}

// Before reports whether t is ordered before o on chain.
func (t Transaction) Before(o Transaction) bool {
	if t.BlockNumber != o.BlockNumber {
		return t.BlockNumber < o.BlockNumber
	}
	if t.TxIndex != o.TxIndex {
		return t.TxIndex < o.TxIndex
	}
	return t.Hash < o.Hash
}

// SortByChainOrder sorts transactions by block number then index in block.
func SortByChainOrder(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Before(txs[j]) })
}

// WindowSpec bounds a processing window by transaction count, wall-clock
// duration, or both. Whichever limit is reached first closes the window.
type WindowSpec struct {
	MaxTransactions int           `yaml:"max_transactions" json:"max_transactions" validate:"gte=0"`
	MaxDuration     time.Duration `yaml:"max_duration" json:"max_duration" validate:"gte=0"`
}

// Bounded reports whether at least one limit is set.
func (s WindowSpec) Bounded() bool { return s.MaxTransactions > 0 || s.MaxDuration > 0 }

// ---------------------------------------------------------------------------
// Entities
// ---------------------------------------------------------------------------

// Entity is a cluster of addresses believed to be controlled by one actor.
// Members only ever grow; entities are never split or deleted.
type Entity struct {
	ID            string     `json:"entity_id"`
	Members       []string   `json:"member_addresses"` // sorted, unique
	Type          EntityType `json:"entity_type"`
	Confidence    float64    `json:"confidence"`
	Version       uint64     `json:"version"`
	Stale         bool       `json:"stale"`
	CreatedAt     time.Time  `json:"created_at"`
	LastUpdatedAt time.Time  `json:"last_updated_at"`
}

// HasMember reports whether addr is a member of the entity.
func (e Entity) HasMember(addr string) bool {
	i := sort.SearchStrings(e.Members, addr)
	return i < len(e.Members) && e.Members[i] == addr
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	out := e
	out.Members = append([]string(nil), e.Members...)
	return out
}

// WithMembers returns a copy whose member set is the union of the current
// members and addrs.
func (e Entity) WithMembers(addrs ...string) Entity {
	out := e.Clone()
	out.Members = MergeSorted(out.Members, addrs)
	return out
}

// MergeSorted returns the sorted, de-duplicated union of a (already sorted)
// and b.
func MergeSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

var signalNamespace = uuid.MustParse("3f0d8c52-6a0b-4f43-9b4e-6c1d1f0e2a77")

// Signal is an immutable detection event.
type Signal struct {
	ID             string     `json:"signal_id"`
	Type           SignalType `json:"signal_type"`
	TxHashes       []string   `json:"related_tx_hashes"` // detection order
	Confidence     float64    `json:"confidence"`
	EstimatedValue float64    `json:"estimated_profit_or_value"`
	Actor          string     `json:"actor_address,omitempty"`
	EntityID       string     `json:"entity_id,omitempty"`
	DetectedAt     time.Time  `json:"detected_at"`
}

// NewSignal builds a signal whose ID is derived from its deterministic key.
func NewSignal(typ SignalType, hashes []string, confidence, value float64, actor string, at time.Time) Signal {
	s := Signal{
		Type:           typ,
		TxHashes:       append([]string(nil), hashes...),
		Confidence:     Clamp01(confidence),
		EstimatedValue: FiniteOrZero(value),
		Actor:          actor,
		DetectedAt:     at,
	}
	s.ID = uuid.NewSHA1(signalNamespace, []byte(s.Key())).String()
	return s
}

// Key is the deterministic deduplication key: type plus sorted tx hashes.
func (s Signal) Key() string {
	return SignalKey(s.Type, s.TxHashes)
}

// SignalKey builds a deduplication key without constructing a Signal.
func SignalKey(typ SignalType, hashes []string) string {
	sorted := append([]string(nil), hashes...)
	sort.Strings(sorted)
	return string(typ) + ":" + strings.Join(sorted, ",")
}

// ---------------------------------------------------------------------------
// Scores
// ---------------------------------------------------------------------------

// Contribution is one feature's share of a risk score.
type Contribution struct {
	Feature string  `json:"feature"`
	Weight  float64 `json:"weight"`
}

// RiskScore is the current risk assessment for an address.
type RiskScore struct {
	Address       string         `json:"address"`
	Score         float64        `json:"score"`
	Contributions []Contribution `json:"feature_contributions"`
	Degraded      bool           `json:"degraded"`
	ModelVersion  string         `json:"model_version,omitempty"`
	ComputedAt    time.Time      `json:"computed_at"`
}

// SanctionsResult is the screening outcome for one address.
type SanctionsResult struct {
	Address      string    `json:"address"`
	IsSanctioned bool      `json:"is_sanctioned"`
	MatchedLists []string  `json:"matched_lists"`
	Confidence   float64   `json:"confidence"`
	CheckedAt    time.Time `json:"checked_at"`
	Source       string    `json:"source,omitempty"`
	Stale        bool      `json:"stale,omitempty"`
	Degraded     bool      `json:"degraded,omitempty"`
}

// Clamp01 bounds v to [0,1]. NaN maps to 0.
func Clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// FiniteOrZero returns v, or 0 if v is NaN or infinite.
func FiniteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
