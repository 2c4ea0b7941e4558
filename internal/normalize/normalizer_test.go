package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	badChecksum = "0x5aaeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	plainTo     = "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359"
)

func validRaw() model.RawTransaction {
	return model.RawTransaction{
		Chain:       "ethereum",
		Hash:        "0xABCDEF0123",
		BlockNumber: 19_000_000,
		TxIndex:     4,
		Timestamp:   1_700_000_000,
		From:        checksummed,
		To:          plainTo,
		Value:       "1500000000000000000", // 1.5 ETH
		GasPrice:    "0x4a817c800",         // 20 gwei
		GasUsed:     21000,
	}
}

func TestNormalize_Valid(t *testing.T) {
	n := NewNormalizer(DefaultConfig())

	tx, err := n.Normalize(validRaw())
	require.NoError(t, err)

	assert.Equal(t, "0xabcdef0123", tx.Hash)
	assert.Equal(t, "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", tx.From)
	assert.Equal(t, plainTo, tx.To)
	assert.Equal(t, "1.5", tx.Value.String())
	assert.Equal(t, "20", tx.GasPrice.String())
	assert.Equal(t, time.Unix(1_700_000_000, 0).UTC(), tx.Timestamp)
	assert.False(t, tx.ContractInteraction)
}

func TestNormalize_MillisecondTimestamp(t *testing.T) {
	n := NewNormalizer(DefaultConfig())
	raw := validRaw()
	raw.Timestamp = 1_700_000_000_123

	tx, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1_700_000_000_123).UTC(), tx.Timestamp)
}

func TestNormalize_BadChecksum(t *testing.T) {
	n := NewNormalizer(DefaultConfig())
	raw := validRaw()
	raw.From = badChecksum

	_, err := n.Normalize(raw)
	var mte *model.MalformedTransactionError
	require.True(t, errors.As(err, &mte))
	assert.Equal(t, "from", mte.Field)
}

func TestNormalize_ChecksumNotRequired(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequireChecksum = false
	n := NewNormalizer(cfg)
	raw := validRaw()
	raw.From = badChecksum

	_, err := n.Normalize(raw)
	assert.NoError(t, err)
}

func TestNormalize_MissingFields(t *testing.T) {
	n := NewNormalizer(DefaultConfig())

	tests := []struct {
		name  string
		mut   func(r *model.RawTransaction)
		field string
	}{
		{"no hash", func(r *model.RawTransaction) { r.Hash = "" }, "hash"},
		{"no from", func(r *model.RawTransaction) { r.From = "" }, "from"},
		{"no block", func(r *model.RawTransaction) { r.BlockNumber = 0 }, "blocknumber"},
		{"no timestamp", func(r *model.RawTransaction) { r.Timestamp = 0 }, "timestamp"},
		{"bad to", func(r *model.RawTransaction) { r.To = "0x1234" }, "to"},
		{"no to without input", func(r *model.RawTransaction) { r.To = "" }, "to"},
		{"bad value", func(r *model.RawTransaction) { r.Value = "12abc" }, "value"},
		{"unknown chain", func(r *model.RawTransaction) { r.Chain = "dogechain" }, "chain"},
		{"bad input", func(r *model.RawTransaction) { r.Input = "0xzz" }, "input"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := validRaw()
			tc.mut(&raw)
			_, err := n.Normalize(raw)
			var mte *model.MalformedTransactionError
			require.True(t, errors.As(err, &mte), "expected MalformedTransactionError, got %v", err)
			assert.Equal(t, tc.field, mte.Field)
		})
	}
}

func TestNormalize_ContractCreation(t *testing.T) {
	n := NewNormalizer(DefaultConfig())
	raw := validRaw()
	raw.To = ""
	raw.Input = "0x6080604052"

	tx, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Empty(t, tx.To)
	assert.False(t, tx.ContractInteraction)
}

func TestNormalize_ContractInteraction(t *testing.T) {
	n := NewNormalizer(DefaultConfig())

	raw := validRaw()
	raw.To = "0x7a250d5630b4cf539739df2c5dacb4c659f2488d" // uniswap v2 router
	raw.Input = "0x7ff36ab5"
	tx, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.True(t, tx.ContractInteraction)

	// Calldata to an unknown address is not a known contract interaction.
	raw.To = plainTo
	tx, err = n.Normalize(raw)
	require.NoError(t, err)
	assert.False(t, tx.ContractInteraction)

	n.AddKnownContract(plainTo, "test")
	tx, err = n.Normalize(raw)
	require.NoError(t, err)
	assert.True(t, tx.ContractInteraction)

	// Known contract but no calldata.
	raw.Input = ""
	tx, err = n.Normalize(raw)
	require.NoError(t, err)
	assert.False(t, tx.ContractInteraction)
}

func TestNormalizeBatch_DropsAndCounts(t *testing.T) {
	n := NewNormalizer(DefaultConfig())

	good := validRaw()
	bad := validRaw()
	bad.From = "not-an-address"
	good2 := validRaw()
	good2.Hash = "0x02"

	txs, dropped := n.NormalizeBatch([]model.RawTransaction{good, bad, good2})
	assert.Len(t, txs, 2)
	assert.Equal(t, 1, dropped)

	stats := n.Stats()
	assert.Equal(t, int64(2), stats.Normalized)
	assert.Equal(t, int64(1), stats.Dropped)
}

func TestParseAmount(t *testing.T) {
	v, err := parseAmount("0xde0b6b3a7640000", 18)
	require.NoError(t, err)
	assert.Equal(t, "1", v.String())

	v, err = parseAmount("", 18)
	require.NoError(t, err)
	assert.True(t, v.IsZero())

	v, err = parseAmount("0x", 18)
	require.NoError(t, err)
	assert.True(t, v.IsZero())

	_, err = parseAmount("-5", 18)
	assert.Error(t, err)
}
