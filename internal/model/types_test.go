package model

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.5))
	assert.Equal(t, 1.0, Clamp01(1.7))
	assert.Equal(t, 0.25, Clamp01(0.25))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
	assert.Equal(t, 1.0, Clamp01(math.Inf(1)))
}

func TestSignalKey_OrderIndependent(t *testing.T) {
	a := SignalKey(SignalSandwichAttack, []string{"0xc", "0xa", "0xb"})
	b := SignalKey(SignalSandwichAttack, []string{"0xa", "0xb", "0xc"})
	assert.Equal(t, a, b)
	assert.Equal(t, "sandwich_attack:0xa,0xb,0xc", a)

	other := SignalKey(SignalLiquidation, []string{"0xa", "0xb", "0xc"})
	assert.NotEqual(t, a, other)
}

func TestNewSignal_DeterministicID(t *testing.T) {
	now := time.Now()
	s1 := NewSignal(SignalWhaleTransfer, []string{"0x1"}, 0.7, 150, "0xabc", now)
	s2 := NewSignal(SignalWhaleTransfer, []string{"0x1"}, 0.9, 150, "0xabc", now.Add(time.Hour))
	assert.Equal(t, s1.ID, s2.ID)

	s3 := NewSignal(SignalWhaleTransfer, []string{"0x2"}, 0.7, 150, "0xabc", now)
	assert.NotEqual(t, s1.ID, s3.ID)
}

func TestNewSignal_ClampsConfidence(t *testing.T) {
	s := NewSignal(SignalLiquidation, []string{"0x1"}, 3.2, math.NaN(), "", time.Now())
	assert.Equal(t, 1.0, s.Confidence)
	assert.Equal(t, 0.0, s.EstimatedValue)
}

func TestEntity_WithMembers(t *testing.T) {
	e := Entity{ID: "e1", Members: []string{"0xb", "0xd"}}
	merged := e.WithMembers("0xa", "0xd", "0xc")

	assert.Equal(t, []string{"0xa", "0xb", "0xc", "0xd"}, merged.Members)
	assert.Equal(t, []string{"0xb", "0xd"}, e.Members, "original must not change")
	assert.True(t, merged.HasMember("0xc"))
	assert.False(t, e.HasMember("0xc"))
}

func TestSortByChainOrder(t *testing.T) {
	txs := []Transaction{
		{Hash: "c", BlockNumber: 2, TxIndex: 0},
		{Hash: "b", BlockNumber: 1, TxIndex: 5},
		{Hash: "a", BlockNumber: 1, TxIndex: 1},
	}
	SortByChainOrder(txs)
	assert.Equal(t, "a", txs[0].Hash)
	assert.Equal(t, "b", txs[1].Hash)
	assert.Equal(t, "c", txs[2].Hash)
}

func TestErrorsUnwrap(t *testing.T) {
	base := errors.New("dial tcp: refused")
	err := error(&ExternalServiceUnavailable{Service: "chainalysis", Err: base})
	assert.ErrorIs(t, err, base)

	var mle *ModelLoadError
	assert.True(t, errors.As(error(&ModelLoadError{URI: "file:///x", Err: base}), &mle))
}

func TestFeatureNamesMatchValues(t *testing.T) {
	assert.Len(t, FeatureNames, NumFeatures)
	assert.Len(t, AddressFeatureVector{}.Values(), NumFeatures)
}
