package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/chainintel/internal/features"
	"github.com/nexus-trading/chainintel/internal/graphstore"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/nexus-trading/chainintel/internal/score"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tx(hash, from, to string, value, gas float64, block uint64) model.Transaction {
	return model.Transaction{
		Hash:        hash,
		Chain:       "ethereum",
		BlockNumber: block,
		Timestamp:   t0,
		From:        from,
		To:          to,
		Value:       decimal.NewFromFloat(value),
		GasPrice:    decimal.NewFromFloat(gas),
		GasUsed:     21000,
	}
}

func window(t *testing.T, txs ...model.Transaction) *features.Window {
	t.Helper()
	w, err := features.NewExtractor(features.DefaultConfig()).Extract(context.Background(), txs)
	require.NoError(t, err)
	return w
}

// triangle: three addresses with identical behaviour and mutual edges.
func triangle(t *testing.T, a, b, c string) *features.Window {
	return window(t,
		tx("0x1"+a, a, b, 1, 20, 100),
		tx("0x2"+b, b, c, 1, 20, 101),
		tx("0x3"+c, c, a, 1, 20, 102),
	)
}

func newTestEngine() (*Engine, *graphstore.MemoryStore) {
	store := graphstore.NewMemoryStore(graphstore.DefaultConfig())
	e := NewEngine(DefaultConfig(), store, score.NewScorer(score.DefaultConfig()), nil)
	n := 0
	var mu sync.Mutex
	e.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("ent-%03d", n)
	}
	return e, store
}

func TestResolve_NearIdenticalTriangleFormsOneEntity(t *testing.T) {
	e, store := newTestEngine()

	res, err := e.Resolve(context.Background(), triangle(t, "0xaaa", "0xbbb", "0xccc"), Hints{})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)

	ent := res.Created[0]
	assert.Equal(t, []string{"0xaaa", "0xbbb", "0xccc"}, ent.Members)
	assert.Equal(t, model.EntityUnknown, ent.Type)
	assert.Greater(t, ent.Confidence, score.DefaultConfig().BaselineConfidence)
	assert.LessOrEqual(t, ent.Confidence, 1.0)
	assert.Equal(t, ent.ID, res.Assignments["0xbbb"])
	assert.Equal(t, 1, store.Stats().Entities)
}

func TestResolve_SimilarButUnconnectedDoNotCluster(t *testing.T) {
	e, store := newTestEngine()

	// 0xaaa and 0xbbb behave identically but never transact with each other.
	res, err := e.Resolve(context.Background(), window(t,
		tx("0x1", "0xaaa", "0xx1", 1, 20, 100),
		tx("0x2", "0xbbb", "0xx2", 1, 20, 100),
	), Hints{})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, 0, store.Stats().Entities)
}

func TestResolve_CustodialEdgesAreCut(t *testing.T) {
	cex := "0x28c6c06298d514db089934071355e5743bf21d60"

	e, _ := newTestEngine()
	res, err := e.Resolve(context.Background(), window(t,
		tx("0x1", "0xaaa", cex, 1, 20, 100),
		tx("0x2", cex, "0xaaa", 1, 20, 100),
	), Hints{})
	require.NoError(t, err)
	assert.Empty(t, res.Created)

	// Same shape without the exchange clusters.
	e, _ = newTestEngine()
	res, err = e.Resolve(context.Background(), window(t,
		tx("0x1", "0xaaa", "0xbbb", 1, 20, 100),
		tx("0x2", "0xbbb", "0xaaa", 1, 20, 100),
	), Hints{})
	require.NoError(t, err)
	require.Len(t, res.Created, 1)
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, res.Created[0].Members)
}

func TestResolve_SingletonNeedsHardRule(t *testing.T) {
	e, store := newTestEngine()

	// Deposit to an exchange: the custodial side never joins a cluster.
	res, err := e.Resolve(context.Background(), window(t,
		tx("0x1", "0xwhale", "0x28c6c06298d514db089934071355e5743bf21d60", 500, 20, 100),
		tx("0x2", "0xsmall", "0xother", 0.5, 20, 100),
	), Hints{})
	require.NoError(t, err)

	id, _ := store.EntityForAddress(context.Background(), "0xwhale")
	require.NotEmpty(t, id)
	ent, err := store.QueryEntity(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.EntityWhale, ent.Type)
	assert.Equal(t, []string{"0xwhale"}, ent.Members)

	id, _ = store.EntityForAddress(context.Background(), "0xsmall")
	assert.Empty(t, id, "no rule fires for a small lone sender")
	for _, c := range res.Created {
		assert.Len(t, c.Members, 1)
	}
}

func TestResolve_MEVHintTypesSingleton(t *testing.T) {
	e, store := newTestEngine()

	w := window(t,
		tx("0x1", "0xbot", "0xpool", 1, 400, 100),
		tx("0x2", "0xvictim", "0xpool", 1, 20, 100),
		tx("0x3", "0xbot", "0xpool", 1, 380, 100),
		tx("0x4", "0xu1", "0xu2", 1, 20, 100),
		tx("0x5", "0xu3", "0xu4", 1, 20, 100),
		tx("0x6", "0xu5", "0xu6", 1, 20, 100),
		tx("0x7", "0xu7", "0xu8", 1, 20, 100),
	)
	_, err := e.Resolve(context.Background(), w, Hints{MEVActors: map[string]int{"0xbot": 1}})
	require.NoError(t, err)

	id, _ := store.EntityForAddress(context.Background(), "0xbot")
	require.NotEmpty(t, id)
	ent, _ := store.QueryEntity(context.Background(), id)
	assert.Equal(t, model.EntityMEVBot, ent.Type)
}

func TestResolve_MergesIntoExistingEntity(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()

	existing, err := store.UpsertEntity(ctx, model.Entity{ID: "known", Members: []string{"0xaaa"}, Type: model.EntityUnknown, Confidence: 0.5})
	require.NoError(t, err)

	res, err := e.Resolve(ctx, triangle(t, "0xaaa", "0xbbb", "0xccc"), Hints{})
	require.NoError(t, err)
	assert.Empty(t, res.Created, "no duplicate entity")
	require.Len(t, res.Updated, 1)

	ent := res.Updated[0]
	assert.Equal(t, "known", ent.ID)
	assert.Equal(t, []string{"0xaaa", "0xbbb", "0xccc"}, ent.Members)
	assert.Greater(t, ent.Version, existing.Version)
	assert.GreaterOrEqual(t, ent.Confidence, 0.5)
}

func TestResolve_TieBreakPrefersHighestConfidence(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()

	_, err := store.UpsertEntity(ctx, model.Entity{ID: "low", Members: []string{"0xaaa"}, Confidence: 0.5})
	require.NoError(t, err)
	_, err = store.UpsertEntity(ctx, model.Entity{ID: "high", Members: []string{"0xccc"}, Confidence: 0.7})
	require.NoError(t, err)

	_, err = e.Resolve(ctx, triangle(t, "0xaaa", "0xbbb", "0xccc"), Hints{})
	require.NoError(t, err)

	b, _ := store.EntityForAddress(ctx, "0xbbb")
	assert.Equal(t, "high", b)
	a, _ := store.EntityForAddress(ctx, "0xaaa")
	assert.Equal(t, "low", a, "owned addresses are never moved")

	_, _, ok := store.CheckDisjoint()
	assert.True(t, ok)
}

func TestResolve_ConcurrentWindowsStayDisjoint(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()

	windows := []*features.Window{
		triangle(t, "0xaaa", "0xbbb", "0xccc"),
		triangle(t, "0xccc", "0xddd", "0xeee"),
		triangle(t, "0xaaa", "0xbbb", "0xccc"),
		triangle(t, "0xeee", "0xfff", "0xaaa"),
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(windows)*4)
	for i := 0; i < 4; i++ {
		for _, w := range windows {
			wg.Add(1)
			go func(w *features.Window) {
				defer wg.Done()
				if _, err := e.Resolve(ctx, w, Hints{}); err != nil {
					errs <- err
				}
			}(w)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	_, _, ok := store.CheckDisjoint()
	assert.True(t, ok)
	assert.Equal(t, 1, store.Stats().Entities, "overlapping triangles collapse into one entity")
	id, _ := store.EntityForAddress(ctx, "0xfff")
	ent, err := store.QueryEntity(ctx, id)
	require.NoError(t, err)
	assert.Len(t, ent.Members, 6)
}

func TestResolve_Cancelled(t *testing.T) {
	e, store := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Resolve(ctx, triangle(t, "0xaaa", "0xbbb", "0xccc"), Hints{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.Stats().Entities)
}

// lyingStore reports a foreign owner for one address.
type lyingStore struct {
	*graphstore.MemoryStore
	addr string
}

func (s lyingStore) EntityForAddress(ctx context.Context, address string) (string, error) {
	if address == s.addr {
		return "ghost", nil
	}
	return s.MemoryStore.EntityForAddress(ctx, address)
}

func TestVerifyDisjoint(t *testing.T) {
	ctx := context.Background()
	mem := graphstore.NewMemoryStore(graphstore.DefaultConfig())
	_, err := mem.UpsertEntity(ctx, model.Entity{ID: "e1", Members: []string{"0xa", "0xb"}})
	require.NoError(t, err)

	require.NoError(t, VerifyDisjoint(ctx, mem, "w1", []string{"e1"}))

	err = VerifyDisjoint(ctx, lyingStore{MemoryStore: mem, addr: "0xb"}, "w1", []string{"e1"})
	var violation *model.ClusteringInvariantViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "0xb", violation.Address)
	assert.Equal(t, "w1", violation.WindowID)
	assert.ElementsMatch(t, []string{"e1", "ghost"}, violation.EntityIDs)
}

func TestCosineDistance(t *testing.T) {
	a := &point{x: []float64{1, 0}, norm: 1}
	b := &point{x: []float64{0, 1}, norm: 1}
	zero := &point{x: []float64{0, 0}}

	assert.InDelta(t, 0.0, cosineDistance(a, a), 1e-12)
	assert.InDelta(t, 1.0, cosineDistance(a, b), 1e-12)
	assert.Equal(t, 0.0, cosineDistance(zero, zero))
	assert.Equal(t, 1.0, cosineDistance(a, zero))
}

func TestStripedLock_NoDeadlockOnOverlap(t *testing.T) {
	l := newStripedLock(4)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addrs := []string{"0xa", "0xb", "0xc"}
			if i%2 == 0 {
				addrs = []string{"0xc", "0xb", "0xa", "0xa"}
			}
			unlock := l.lock(addrs)
			unlock()
		}(i)
	}
	wg.Wait()
}
