package normalize

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-playground/validator/v10"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Transaction Normalizer: raw source records to canonical transactions
// ---------------------------------------------------------------------------

// ChainConfig describes the unit conventions of one source chain.
type ChainConfig struct {
	Decimals    int32 `yaml:"decimals"`     // native unit -> ETH-equivalent
	GasDecimals int32 `yaml:"gas_decimals"` // gas price unit -> gwei
}

// Config configures the Normalizer.
type Config struct {
	Chains          map[string]ChainConfig `yaml:"chains"`
	KnownContracts  []string               `yaml:"known_contracts"`
	RequireChecksum bool                   `yaml:"require_checksum"` // reject mixed-case addresses failing EIP-55
}

// DefaultConfig returns EVM defaults.
func DefaultConfig() Config {
	evm := ChainConfig{Decimals: 18, GasDecimals: 9}
	return Config{
		Chains: map[string]ChainConfig{
			"ethereum": evm,
			"arbitrum": evm,
			"optimism": evm,
			"base":     evm,
			"polygon":  evm,
			"bsc":      evm,
		},
		RequireChecksum: true,
	}
}

// millisecondThreshold separates unix-second from unix-millisecond timestamps.
// 1e12 seconds is roughly the year 33658.
const millisecondThreshold = 1_000_000_000_000

// Normalizer converts RawTransactions into canonical Transactions.
type Normalizer struct {
	config    Config
	validate  *validator.Validate
	contracts *xsync.Map[string, string] // address -> label

	normalized atomic.Int64
	dropped    atomic.Int64
}

// NewNormalizer creates a Normalizer seeded with well-known contracts plus
// any from config.
func NewNormalizer(config Config) *Normalizer {
	n := &Normalizer{
		config:    config,
		validate:  validator.New(),
		contracts: xsync.NewMap[string, string](),
	}
	for addr, label := range KnownContracts {
		n.contracts.Store(addr, label)
	}
	for _, addr := range config.KnownContracts {
		n.contracts.Store(strings.ToLower(addr), "configured")
	}
	return n
}

// AddKnownContract registers an address as a contract at runtime.
func (n *Normalizer) AddKnownContract(address, label string) {
	n.contracts.Store(strings.ToLower(address), label)
}

// IsKnownContract reports whether address is a registered contract.
func (n *Normalizer) IsKnownContract(address string) bool {
	_, ok := n.contracts.Load(strings.ToLower(address))
	return ok
}

// Normalize converts one raw record. Returns *model.MalformedTransactionError
// for records that must be dropped.
func (n *Normalizer) Normalize(raw model.RawTransaction) (model.Transaction, error) {
	if err := n.validate.Struct(raw); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return model.Transaction{}, malformed(raw.Hash, strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return model.Transaction{}, malformed(raw.Hash, "record", err.Error())
	}

	chain := strings.ToLower(raw.Chain)
	cc, ok := n.config.Chains[chain]
	if !ok {
		return model.Transaction{}, malformed(raw.Hash, "chain", "unsupported chain "+raw.Chain)
	}

	from, err := n.address(raw.From)
	if err != nil {
		return model.Transaction{}, malformed(raw.Hash, "from", err.Error())
	}

	input, err := decodeInput(raw.Input)
	if err != nil {
		return model.Transaction{}, malformed(raw.Hash, "input", err.Error())
	}

	var to string
	if raw.To != "" {
		if to, err = n.address(raw.To); err != nil {
			return model.Transaction{}, malformed(raw.Hash, "to", err.Error())
		}
	} else if len(input) == 0 {
		// Only contract creation may omit the recipient, and creation carries init code.
		return model.Transaction{}, malformed(raw.Hash, "to", "missing recipient")
	}

	value, err := parseAmount(raw.Value, cc.Decimals)
	if err != nil {
		return model.Transaction{}, malformed(raw.Hash, "value", err.Error())
	}
	gasPrice, err := parseAmount(raw.GasPrice, cc.GasDecimals)
	if err != nil {
		return model.Transaction{}, malformed(raw.Hash, "gas_price", err.Error())
	}

	ts := raw.Timestamp
	var at time.Time
	if ts >= millisecondThreshold {
		at = time.UnixMilli(ts).UTC()
	} else {
		at = time.Unix(ts, 0).UTC()
	}

	tx := model.Transaction{
		Hash:                strings.ToLower(raw.Hash),
		Chain:               chain,
		BlockNumber:         raw.BlockNumber,
		TxIndex:             raw.TxIndex,
		Timestamp:           at,
		From:                from,
		To:                  to,
		Value:               value,
		GasPrice:            gasPrice,
		GasUsed:             raw.GasUsed,
		Input:               input,
		ContractInteraction: len(input) > 0 && to != "" && n.IsKnownContract(to),
	}
	return tx, nil
}

// NormalizeBatch normalizes every record, dropping and counting malformed ones.
func (n *Normalizer) NormalizeBatch(raws []model.RawTransaction) ([]model.Transaction, int) {
	out := make([]model.Transaction, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		tx, err := n.Normalize(raw)
		if err != nil {
			dropped++
			log.Debug().Err(err).Str("hash", raw.Hash).Msg("normalize: dropped record")
			continue
		}
		out = append(out, tx)
	}
	n.normalized.Add(int64(len(out)))
	n.dropped.Add(int64(dropped))
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Int("kept", len(out)).Msg("normalize: malformed records dropped")
	}
	return out, dropped
}

// address validates and lower-cases an address. Mixed-case input must carry a
// valid EIP-55 checksum when RequireChecksum is set.
func (n *Normalizer) address(s string) (string, error) {
	if !common.IsHexAddress(s) || !strings.HasPrefix(s, "0x") {
		return "", fmt.Errorf("invalid address %q", s)
	}
	body := s[2:]
	mixed := strings.ToLower(body) != body && strings.ToUpper(body) != body
	if mixed && n.config.RequireChecksum && common.HexToAddress(s).Hex() != s {
		return "", fmt.Errorf("checksum mismatch for %q", s)
	}
	return strings.ToLower(s), nil
}

func decodeInput(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return nil, nil
	}
	return hexutil.Decode(s)
}

// parseAmount converts an integer amount in base units, given as decimal or
// 0x-hex, into a decimal shifted by decimals.
func parseAmount(s string, decimals int32) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	v := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := s[2:]
		if digits == "" {
			return decimal.Zero, nil
		}
		_, ok = v.SetString(digits, 16)
	} else {
		_, ok = v.SetString(s, 10)
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("negative amount %q", s)
	}
	return decimal.NewFromBigInt(v, -decimals), nil
}

func malformed(hash, field, reason string) error {
	return &model.MalformedTransactionError{Hash: hash, Field: field, Reason: reason}
}

// Stats returns normalizer counters.
type Stats struct {
	Normalized int64 `json:"normalized"`
	Dropped    int64 `json:"dropped"`
}

func (n *Normalizer) Stats() Stats {
	return Stats{Normalized: n.normalized.Load(), Dropped: n.dropped.Load()}
}
