package detect

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	pool     = "0xpool"
	attacker = "0xattacker"
	binance  = "0x28c6c06298d514db089934071355e5743bf21d60"
	coinbase = "0x71660c4005ba85c37ccec55d0c4493e66fe775d3"
)

var (
	t0       = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	swapCall = []byte{0x38, 0xed, 0x17, 0x39, 0x00}
)

func call(hash, from, to string, block uint64, idx uint32, value, gas float64) model.Transaction {
	return model.Transaction{
		Hash:        hash,
		Chain:       "ethereum",
		BlockNumber: block,
		TxIndex:     idx,
		Timestamp:   t0.Add(time.Duration(block-100) * 12 * time.Second),
		From:        from,
		To:          to,
		Value:       decimal.NewFromFloat(value),
		GasPrice:    decimal.NewFromFloat(gas),
		GasUsed:     21000,
		Input:       swapCall,
	}
}

func transfer(hash, from, to string, value float64, at time.Time) model.Transaction {
	return model.Transaction{
		Hash:      hash,
		Chain:     "ethereum",
		Timestamp: at,
		From:      from,
		To:        to,
		Value:     decimal.NewFromFloat(value),
		GasPrice:  decimal.NewFromFloat(20),
		GasUsed:   21000,
	}
}

// ---------------------------------------------------------------------------
// Sandwich
// ---------------------------------------------------------------------------

func TestScanSandwiches_Basic(t *testing.T) {
	txs := []model.Transaction{
		call("0xf", attacker, pool, 100, 0, 10, 500),
		call("0xv", "0xvictim", pool, 100, 1, 5, 100),
		call("0xb", attacker, pool, 100, 2, 10, 90),
	}
	got := ScanSandwiches(txs, DefaultSandwichConfig())
	require.Len(t, got, 1)

	s := got[0]
	assert.Equal(t, attacker, s.Attacker())
	assert.Equal(t, []string{"0xf", "0xv", "0xb"}, s.Hashes())
	assert.InDelta(t, 0.82, s.Confidence, 1e-9)
	assert.InDelta(t, 5.0/3.0-0.0105-0.00189, s.Profit, 1e-9)
}

func TestScanSandwiches_Rejections(t *testing.T) {
	tests := []struct {
		name string
		txs  []model.Transaction
	}{
		{
			name: "gas gap too small",
			txs: []model.Transaction{
				call("0xf", attacker, pool, 100, 0, 10, 150),
				call("0xv", "0xvictim", pool, 100, 1, 5, 100),
				call("0xb", attacker, pool, 100, 2, 10, 90),
			},
		},
		{
			name: "block span too large",
			txs: []model.Transaction{
				call("0xf", attacker, pool, 100, 0, 10, 500),
				call("0xv", "0xvictim", pool, 100, 1, 5, 100),
				call("0xb", attacker, pool, 104, 0, 10, 90),
			},
		},
		{
			name: "victim is the attacker",
			txs: []model.Transaction{
				call("0xf", attacker, pool, 100, 0, 10, 500),
				call("0xv", attacker, pool, 100, 1, 5, 100),
				call("0xb", attacker, pool, 100, 2, 10, 90),
			},
		},
		{
			name: "different pools",
			txs: []model.Transaction{
				call("0xf", attacker, pool, 100, 0, 10, 500),
				call("0xv", "0xvictim", "0xotherpool", 100, 1, 5, 100),
				call("0xb", attacker, pool, 100, 2, 10, 90),
			},
		},
		{
			name: "no backrun",
			txs: []model.Transaction{
				call("0xf", attacker, pool, 100, 0, 10, 500),
				call("0xv", "0xvictim", pool, 100, 1, 5, 100),
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Empty(t, ScanSandwiches(tc.txs, DefaultSandwichConfig()))
		})
	}
}

func TestScanSandwiches_EachTxUsedOnce(t *testing.T) {
	txs := []model.Transaction{
		call("0xf", attacker, pool, 100, 0, 10, 500),
		call("0xv", "0xvictim", pool, 100, 1, 5, 100),
		call("0xb1", attacker, pool, 100, 2, 10, 90),
		call("0xb2", attacker, pool, 100, 3, 10, 90),
	}
	got := ScanSandwiches(txs, DefaultSandwichConfig())
	require.Len(t, got, 1)
	assert.Equal(t, "0xb1", got[0].Back.Hash)
}

func TestScanSandwiches_ConfidenceFallsWithSpan(t *testing.T) {
	tight := ScanSandwiches([]model.Transaction{
		call("0xf", attacker, pool, 100, 0, 10, 500),
		call("0xv", "0xvictim", pool, 100, 1, 5, 100),
		call("0xb", attacker, pool, 100, 2, 10, 90),
	}, DefaultSandwichConfig())
	loose := ScanSandwiches([]model.Transaction{
		call("0xf", attacker, pool, 100, 0, 10, 500),
		call("0xv", "0xvictim", pool, 101, 0, 5, 100),
		call("0xb", attacker, pool, 102, 0, 10, 90),
	}, DefaultSandwichConfig())
	require.Len(t, tight, 1)
	require.Len(t, loose, 1)
	assert.Greater(t, tight[0].Confidence, loose[0].Confidence)
}

func TestScanSandwiches_ProfitNeverNegative(t *testing.T) {
	got := ScanSandwiches([]model.Transaction{
		call("0xf", attacker, pool, 100, 0, 0.0001, 5000),
		call("0xv", "0xvictim", pool, 100, 1, 0.0001, 100),
		call("0xb", attacker, pool, 100, 2, 0.0001, 5000),
	}, DefaultSandwichConfig())
	require.Len(t, got, 1)
	assert.Equal(t, 0.0, got[0].Profit)
}

// ---------------------------------------------------------------------------
// Liquidation
// ---------------------------------------------------------------------------

func liquidationInput(selector []byte, words int, extra int) []byte {
	return append(append([]byte(nil), selector...), make([]byte, 32*words+extra)...)
}

func TestLiquidation(t *testing.T) {
	d := newLiquidationDetector(LiquidationConfig{ExtraTargets: map[string]string{"0xCUSTOM": "custom"}})
	aave := "0x7d2768de32b0b80b7a3454c06bdac94a69ddc7a9"
	aaveSel := []byte{0x00, 0xa7, 0x18, 0xa9}
	cethSel := []byte{0xaa, 0xe4, 0x0a, 0x2a}

	tests := []struct {
		name  string
		to    string
		input []byte
		ok    bool
		conf  float64
	}{
		{"exact aave", aave, liquidationInput(aaveSel, 5, 0), true, 0.9},
		{"trailing bytes", aave, liquidationInput(aaveSel, 5, 32), true, 0.7},
		{"short payload", aave, liquidationInput(aaveSel, 3, 0), false, 0},
		{"unknown target", "0xnotalender", liquidationInput(aaveSel, 5, 0), false, 0},
		{"wrong selector", aave, liquidationInput([]byte{1, 2, 3, 4}, 5, 0), false, 0},
		{"compound ceth", "0x4ddc2d193948926d02f9b1fe9e1daa0718270ed5", liquidationInput(cethSel, 2, 0), true, 0.9},
		{"extra target", "0xcustom", liquidationInput(cethSel, 2, 0), true, 0.9},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tx := transfer("0x1", "0xliquidator", tc.to, 0, t0)
			tx.Input = tc.input
			l, ok := d.match(tx)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.conf, l.Confidence)
		})
	}
}

// ---------------------------------------------------------------------------
// Whale
// ---------------------------------------------------------------------------

func TestWhale_LargeTransfer(t *testing.T) {
	w := NewWhaleTracker(DefaultWhaleConfig(), nil)

	assert.Empty(t, w.Observe(transfer("0x1", "0xa", "0xb", 99, t0)))

	sigs := w.Observe(transfer("0x2", "0xa", "0xb", 150, t0))
	require.Len(t, sigs, 1)
	assert.Equal(t, model.SignalWhaleTransfer, sigs[0].Type)
	assert.InDelta(t, 0.646, sigs[0].Confidence, 1e-3)
	assert.Equal(t, 150.0, sigs[0].EstimatedValue)
	assert.Equal(t, "0xa", sigs[0].Actor)

	huge := w.Observe(transfer("0x3", "0xa", "0xb", 1e9, t0))
	require.Len(t, huge, 1)
	assert.LessOrEqual(t, huge[0].Confidence, 1.0)
}

func TestWhale_Accumulation(t *testing.T) {
	w := NewWhaleTracker(DefaultWhaleConfig(), nil)

	assert.Empty(t, w.Observe(transfer("0x1", binance, "0xacc", 10, t0)))
	assert.Empty(t, w.Observe(transfer("0x2", binance, "0xacc", 10, t0.Add(time.Hour))))
	assert.Empty(t, w.Observe(transfer("0x2", binance, "0xacc", 10, t0.Add(time.Hour))), "replayed hash")

	sigs := w.Observe(transfer("0x3", binance, "0xacc", 10, t0.Add(2*time.Hour)))
	require.Len(t, sigs, 1)
	assert.Equal(t, model.SignalAccumulation, sigs[0].Type)
	assert.Equal(t, []string{"0x1", "0x2", "0x3"}, sigs[0].TxHashes)
	assert.Equal(t, 30.0, sigs[0].EstimatedValue)
	assert.Equal(t, "0xacc", sigs[0].Actor)

	// Streak restarts.
	assert.Empty(t, w.Observe(transfer("0x4", binance, "0xacc", 10, t0.Add(3*time.Hour))))
}

func TestWhale_FlowsOutsideWindowExpire(t *testing.T) {
	w := NewWhaleTracker(DefaultWhaleConfig(), nil)
	assert.Empty(t, w.Observe(transfer("0x1", binance, "0xacc", 10, t0)))
	assert.Empty(t, w.Observe(transfer("0x2", binance, "0xacc", 10, t0.Add(13*time.Hour))))
	assert.Empty(t, w.Observe(transfer("0x3", binance, "0xacc", 10, t0.Add(26*time.Hour))))
}

func TestWhale_Distribution(t *testing.T) {
	w := NewWhaleTracker(DefaultWhaleConfig(), nil)
	var got []model.Signal
	for i, h := range []string{"0x1", "0x2", "0x3"} {
		got = append(got, w.Observe(transfer(h, "0xdump", coinbase, 5, t0.Add(time.Duration(i)*time.Minute)))...)
	}
	require.Len(t, got, 1)
	assert.Equal(t, model.SignalDistribution, got[0].Type)
	assert.Equal(t, "0xdump", got[0].Actor)

	// Exchange-to-exchange and dust flows are ignored.
	assert.Empty(t, w.Observe(transfer("0x9", binance, coinbase, 5, t0)))
	assert.Empty(t, w.Observe(transfer("0xa", binance, "0xdust", 0.01, t0)))
	assert.Equal(t, int64(1), w.Stats().Distributions)
}

func TestWhale_Purge(t *testing.T) {
	w := NewWhaleTracker(DefaultWhaleConfig(), nil)
	w.Observe(transfer("0x1", binance, "0xold", 10, t0))
	w.Observe(transfer("0x2", binance, "0xnew", 10, t0.Add(48*time.Hour)))

	assert.Equal(t, 1, w.Purge(t0.Add(24*time.Hour)))
	assert.Equal(t, 1, w.Stats().Tracked)
}

// ---------------------------------------------------------------------------
// Dedup + Detector
// ---------------------------------------------------------------------------

func TestMemoryDeduper(t *testing.T) {
	d := NewMemoryDeduper(time.Hour)
	now := t0
	d.now = func() time.Time { return now }
	ctx := context.Background()

	seen, err := d.Seen(ctx, "k")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, _ = d.Seen(ctx, "k")
	assert.False(t, seen, "checking does not claim")

	first, err := d.FirstSeen(ctx, "k")
	require.NoError(t, err)
	assert.True(t, first)
	first, _ = d.FirstSeen(ctx, "k")
	assert.False(t, first)
	seen, _ = d.Seen(ctx, "k")
	assert.True(t, seen)

	now = now.Add(2 * time.Hour)
	seen, _ = d.Seen(ctx, "k")
	assert.False(t, seen, "expired")
	assert.Equal(t, 1, d.Purge())
	first, _ = d.FirstSeen(ctx, "k")
	assert.True(t, first)
}

func TestRedisDeduper(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	d := NewRedisDeduper(client, "chainintel:test:"+t.Name()+":", time.Minute)
	key := time.Now().String()
	seen, err := d.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)
	first, err := d.FirstSeen(ctx, key)
	require.NoError(t, err)
	assert.True(t, first)
	first, err = d.FirstSeen(ctx, key)
	require.NoError(t, err)
	assert.False(t, first)
	seen, err = d.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)
}

func sampleWindow() []model.Transaction {
	txs := []model.Transaction{
		call("0xf", attacker, pool, 100, 0, 10, 500),
		call("0xv", "0xvictim", pool, 100, 1, 5, 100),
		call("0xb", attacker, pool, 100, 2, 10, 90),
		transfer("0xw", "0xwhale", "0xcold", 500, t0),
	}
	liq := transfer("0xl", "0xliquidator", "0x87870bca3f3fd6335c3f4ce8392d69350b4fa4e2", 0, t0)
	liq.BlockNumber = 101
	liq.Input = liquidationInput([]byte{0x00, 0xa7, 0x18, 0xa9}, 5, 0)
	txs[3].BlockNumber = 101
	txs = append(txs, liq)
	model.SortByChainOrder(txs)
	return txs
}

func TestDetector_DetectAndDedup(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil, nil)
	ctx := context.Background()

	rep, err := d.Detect(ctx, sampleWindow())
	require.NoError(t, err)

	types := map[model.SignalType]int{}
	for _, s := range rep.Signals {
		types[s.Type]++
		assert.GreaterOrEqual(t, s.Confidence, 0.0)
		assert.LessOrEqual(t, s.Confidence, 1.0)
	}
	assert.Equal(t, 1, types[model.SignalSandwichAttack])
	assert.Equal(t, 1, types[model.SignalLiquidation])
	assert.Equal(t, 1, types[model.SignalWhaleTransfer])
	assert.Equal(t, 1, rep.MEVActors[attacker])

	kept, dups := d.Commit(ctx, rep, rep.Signals)
	assert.Len(t, kept, len(rep.Signals))
	assert.Zero(t, dups)
	assert.Equal(t, int64(len(rep.Signals)), d.Stats().Emitted)

	// Re-processing the same window emits nothing new.
	again, err := d.Detect(ctx, sampleWindow())
	require.NoError(t, err)
	assert.Empty(t, again.Signals)
	assert.Equal(t, len(rep.Signals), again.Duplicates)
	assert.Equal(t, 1, again.MEVActors[attacker], "hints are per window")
}

func TestDetector_UncommittedWindowIsDetectedAgain(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil, nil)
	ctx := context.Background()

	dropped, err := d.Detect(ctx, sampleWindow())
	require.NoError(t, err)
	require.Len(t, dropped.Signals, 3)

	replay, err := d.Detect(ctx, sampleWindow())
	require.NoError(t, err)
	assert.Len(t, replay.Signals, 3)
	assert.Zero(t, replay.Duplicates)
	assert.Zero(t, d.Stats().Emitted)

	kept, _ := d.Commit(ctx, replay, replay.Signals)
	assert.Len(t, kept, 3)
}

func TestDetector_CommitDropsKeysClaimedConcurrently(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil, nil)
	ctx := context.Background()

	a, err := d.Detect(ctx, sampleWindow())
	require.NoError(t, err)
	b, err := d.Detect(ctx, sampleWindow())
	require.NoError(t, err)
	require.Len(t, b.Signals, len(a.Signals))

	kept, dups := d.Commit(ctx, a, a.Signals)
	assert.Len(t, kept, 3)
	assert.Zero(t, dups)

	kept, dups = d.Commit(ctx, b, b.Signals)
	assert.Empty(t, kept)
	assert.Equal(t, 3, dups)
	assert.Equal(t, int64(3), d.Stats().Emitted)
}

func TestDetector_WhaleStreakAppliedOnCommit(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil, nil)
	ctx := context.Background()
	window := []model.Transaction{
		transfer("0x1", binance, "0xacc", 10, t0),
		transfer("0x2", binance, "0xacc", 10, t0.Add(time.Hour)),
	}

	rep, err := d.Detect(ctx, window)
	require.NoError(t, err)
	assert.Empty(t, rep.Signals)
	assert.Zero(t, d.Whale().Stats().Tracked, "staged only")

	third := []model.Transaction{transfer("0x3", binance, "0xacc", 10, t0.Add(2*time.Hour))}
	rep3, err := d.Detect(ctx, third)
	require.NoError(t, err)
	assert.Empty(t, rep3.Signals, "the first window never committed")

	_, _ = d.Commit(ctx, rep, rep.Signals)
	assert.Equal(t, 1, d.Whale().Stats().Tracked)

	rep3, err = d.Detect(ctx, third)
	require.NoError(t, err)
	require.Len(t, rep3.Signals, 1)
	assert.Equal(t, model.SignalAccumulation, rep3.Signals[0].Type)
	assert.Equal(t, []string{"0x1", "0x2", "0x3"}, rep3.Signals[0].TxHashes)

	// Applying the same flows twice is a no-op.
	_, _ = d.Commit(ctx, rep, nil)
	_, _ = d.Commit(ctx, rep3, rep3.Signals)
	assert.Equal(t, int64(1), d.Whale().Stats().Accumulations)
}

func TestDetector_SandwichAcrossWindowBoundary(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil, nil)
	ctx := context.Background()

	first := []model.Transaction{
		call("0x01", "0xother", pool, 99, 0, 1, 20),
		call("0xf", attacker, pool, 100, 0, 10, 500),
	}
	rep, err := d.Detect(ctx, first)
	require.NoError(t, err)
	assert.Empty(t, rep.Signals)

	second := []model.Transaction{
		call("0xv", "0xvictim", pool, 100, 1, 5, 100),
		call("0xb", attacker, pool, 100, 2, 10, 90),
	}
	rep, err = d.Detect(ctx, second)
	require.NoError(t, err)
	require.Len(t, rep.Signals, 1)
	assert.Equal(t, model.SignalSandwichAttack, rep.Signals[0].Type)
	assert.Equal(t, []string{"0xf", "0xv", "0xb"}, rep.Signals[0].TxHashes)
	assert.Equal(t, 1, rep.MEVActors[attacker])
	_, _ = d.Commit(ctx, rep, rep.Signals)

	// The carried tail holds the whole sandwich now; the next window does
	// not report it again.
	rep, err = d.Detect(ctx, []model.Transaction{call("0x02", "0xother", pool, 101, 0, 1, 20)})
	require.NoError(t, err)
	assert.Empty(t, rep.Signals)
	assert.Empty(t, rep.MEVActors)
}

func TestNextCarry_KeepsRecentBlocks(t *testing.T) {
	cfg := DefaultSandwichConfig()
	cfg.MaxCarry = 2
	txs := []model.Transaction{
		call("0x1", "0xa", pool, 90, 0, 1, 1),
		call("0x2", "0xa", pool, 98, 0, 1, 1),
		call("0x3", "0xa", pool, 99, 0, 1, 1),
		call("0x4", "0xa", pool, 100, 0, 1, 1),
		transfer("0x5", "0xa", "0xb", 1, t0),
	}
	got := nextCarry(nil, txs, cfg)["ethereum"]
	require.Len(t, got, 2)
	assert.Equal(t, "0x3", got[0].Hash)
	assert.Equal(t, "0x4", got[1].Hash)
}

type failingDeduper struct{}

func (failingDeduper) Seen(context.Context, string) (bool, error) {
	return false, assert.AnError
}

func (failingDeduper) FirstSeen(context.Context, string) (bool, error) {
	return false, assert.AnError
}

func TestDetector_DedupFailureStillEmits(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil, failingDeduper{})
	ctx := context.Background()
	rep, err := d.Detect(ctx, sampleWindow())
	require.NoError(t, err)
	assert.Len(t, rep.Signals, 3)
	assert.Equal(t, int64(3), d.Stats().DedupErrs)

	kept, dups := d.Commit(ctx, rep, rep.Signals)
	assert.Len(t, kept, 3)
	assert.Zero(t, dups)
	assert.Equal(t, int64(6), d.Stats().DedupErrs)
}

func TestDetector_Cancelled(t *testing.T) {
	d := NewDetector(DefaultConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := d.Detect(ctx, sampleWindow())
	assert.ErrorIs(t, err, context.Canceled)
}
