package graphstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore() *MemoryStore {
	config := DefaultConfig()
	config.MaxEdgesPerNode = 3
	return NewMemoryStore(config)
}

func create(t *testing.T, s *MemoryStore, id string, members ...string) model.Entity {
	t.Helper()
	e, err := s.UpsertEntity(context.Background(), model.Entity{
		ID:         id,
		Members:    members,
		Type:       model.EntityUnknown,
		Confidence: 0.4,
	})
	require.NoError(t, err)
	return e
}

func TestMemoryStore_Create(t *testing.T) {
	s := newTestStore()
	e := create(t, s, "e1", "0xb", "0xa", "0xa")

	assert.Equal(t, uint64(1), e.Version)
	assert.Equal(t, []string{"0xa", "0xb"}, e.Members)
	assert.False(t, e.CreatedAt.IsZero())

	id, err := s.EntityForAddress(context.Background(), "0xa")
	require.NoError(t, err)
	assert.Equal(t, "e1", id)

	id, err = s.EntityForAddress(context.Background(), "0xz")
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestMemoryStore_CreateDuplicateID(t *testing.T) {
	s := newTestStore()
	create(t, s, "e1", "0xa")
	_, err := s.UpsertEntity(context.Background(), model.Entity{ID: "e1", Members: []string{"0xb"}})
	assert.ErrorIs(t, err, model.ErrVersionConflict)
}

func TestMemoryStore_AddressOwned(t *testing.T) {
	s := newTestStore()
	create(t, s, "e1", "0xa", "0xb")

	_, err := s.UpsertEntity(context.Background(), model.Entity{ID: "e2", Members: []string{"0xb", "0xc"}})
	assert.ErrorIs(t, err, model.ErrAddressOwned)

	e2 := create(t, s, "e2", "0xc")
	_, err = s.MergeAddressesIntoEntity(context.Background(), "e2", []string{"0xa"}, e2.Version)
	assert.ErrorIs(t, err, model.ErrAddressOwned)

	owner, _, ok := s.CheckDisjoint()
	assert.True(t, ok, "offending address %s", owner)
}

func TestMemoryStore_VersionConflict(t *testing.T) {
	s := newTestStore()
	e := create(t, s, "e1", "0xa")

	merged, err := s.MergeAddressesIntoEntity(context.Background(), "e1", []string{"0xb"}, e.Version)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), merged.Version)

	// Stale version loses.
	_, err = s.MergeAddressesIntoEntity(context.Background(), "e1", []string{"0xc"}, e.Version)
	assert.ErrorIs(t, err, model.ErrVersionConflict)

	stale := e
	stale.Type = model.EntityWhale
	_, err = s.UpsertEntity(context.Background(), stale)
	assert.ErrorIs(t, err, model.ErrVersionConflict)
	assert.Equal(t, int64(2), s.Stats().Conflicts)
}

func TestMemoryStore_MembersNeverShrink(t *testing.T) {
	s := newTestStore()
	e := create(t, s, "e1", "0xa", "0xb")

	e.Members = []string{"0xc"}
	e.Type = model.EntityWhale
	e.Confidence = 3
	updated, err := s.UpsertEntity(context.Background(), e)
	require.NoError(t, err)

	assert.Equal(t, []string{"0xa", "0xb", "0xc"}, updated.Members)
	assert.Equal(t, model.EntityWhale, updated.Type)
	assert.Equal(t, 1.0, updated.Confidence)
	assert.Equal(t, uint64(2), updated.Version)
}

func TestMemoryStore_UnknownEntity(t *testing.T) {
	s := newTestStore()
	_, err := s.QueryEntity(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrEntityNotFound)
	_, err = s.MergeAddressesIntoEntity(context.Background(), "nope", []string{"0xa"}, 1)
	assert.ErrorIs(t, err, model.ErrEntityNotFound)
}

func TestMemoryStore_ConcurrentMergesStayDisjoint(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	create(t, s, "e1", "0x01")
	create(t, s, "e2", "0x02")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			target := "e1"
			if i%2 == 1 {
				target = "e2"
			}
			for attempt := 0; attempt < 10; attempt++ {
				cur, err := s.QueryEntity(ctx, target)
				if !assert.NoError(t, err) {
					return
				}
				_, err = s.MergeAddressesIntoEntity(ctx, target, []string{"0xshared"}, cur.Version)
				if err == nil || errors.Is(err, model.ErrAddressOwned) {
					return
				}
			}
		}(i)
	}
	wg.Wait()

	_, _, ok := s.CheckDisjoint()
	assert.True(t, ok)
	id, _ := s.EntityForAddress(ctx, "0xshared")
	assert.NotEmpty(t, id)
}

func TestMemoryStore_SearchEntities(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	_, err := s.UpsertEntity(ctx, model.Entity{ID: "a", Members: []string{"0x1"}, Type: model.EntityWhale, Confidence: 0.9})
	require.NoError(t, err)
	_, err = s.UpsertEntity(ctx, model.Entity{ID: "b", Members: []string{"0x2"}, Type: model.EntityWhale, Confidence: 0.6})
	require.NoError(t, err)
	_, err = s.UpsertEntity(ctx, model.Entity{ID: "c", Members: []string{"0x3"}, Type: model.EntityMEVBot, Confidence: 0.8})
	require.NoError(t, err)

	got, err := s.SearchEntities(ctx, Query{Type: model.EntityWhale})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)

	got, err = s.SearchEntities(ctx, Query{MinConfidence: 0.7})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.SearchEntities(ctx, Query{Address: "0x3"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].ID)

	got, err = s.SearchEntities(ctx, Query{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_MarkStale(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s.now = func() time.Time { return base }
	create(t, s, "old", "0xa")
	s.now = func() time.Time { return base.Add(48 * time.Hour) }
	create(t, s, "fresh", "0xb")

	n, err := s.MarkStale(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	old, err := s.QueryEntity(ctx, "old")
	require.NoError(t, err)
	assert.True(t, old.Stale)
	assert.Equal(t, []string{"0xa"}, old.Members, "stale entities keep members")

	got, _ := s.SearchEntities(ctx, Query{})
	assert.Len(t, got, 1)
	got, _ = s.SearchEntities(ctx, Query{IncludeStale: true})
	assert.Len(t, got, 2)

	// Idempotent.
	n, _ = s.MarkStale(ctx, base.Add(24*time.Hour))
	assert.Equal(t, 0, n)

	// New evidence revives.
	revived, err := s.MergeAddressesIntoEntity(ctx, "old", []string{"0xc"}, old.Version)
	require.NoError(t, err)
	assert.False(t, revived.Stale)
}

func TestMemoryStore_Relationships(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.CreateRelationship(ctx, "0xa", "0xb", RelTransferredTo, 1))
	require.NoError(t, s.CreateRelationship(ctx, "0xa", "0xb", RelTransferredTo, 2))
	require.NoError(t, s.CreateRelationship(ctx, "0xa", "0xb", RelSandwiched, 1))
	require.NoError(t, s.CreateRelationship(ctx, "0xa", "0xc", RelTransferredTo, 0.00001)) // dust
	require.NoError(t, s.CreateRelationship(ctx, "0xa", "0xa", RelTransferredTo, 5))       // self

	rels, err := s.Relationships(ctx, "0xa")
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, 3.0, rels[0].Weight)
	assert.Equal(t, 2, rels[0].Count)

	in, _ := s.Relationships(ctx, "0xb")
	require.Len(t, in, 2)
	assert.Equal(t, 3.0, in[0].Weight)

	// Edge cap.
	require.NoError(t, s.CreateRelationship(ctx, "0xa", "0xd", RelTransferredTo, 1))
	require.NoError(t, s.CreateRelationship(ctx, "0xa", "0xe", RelTransferredTo, 1))
	rels, _ = s.Relationships(ctx, "0xa")
	assert.Len(t, rels, 3)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.UpsertEntity(ctx, model.Entity{ID: "e", Members: []string{"0xa"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "entities.gob")
	s := newTestStore()
	create(t, s, "e1", "0xa", "0xb")
	require.NoError(t, s.CreateRelationship(context.Background(), "0xa", "0xb", RelTransferredTo, 1))
	require.NoError(t, s.SaveSnapshot(path))

	info := GetSnapshotInfo(path)
	assert.True(t, info.Exists)
	assert.Greater(t, info.SizeBytes, int64(0))

	restored := newTestStore()
	require.NoError(t, restored.LoadSnapshot(path))
	e, err := restored.QueryEntity(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, []string{"0xa", "0xb"}, e.Members)
	id, _ := restored.EntityForAddress(context.Background(), "0xb")
	assert.Equal(t, "e1", id)
	assert.Equal(t, int64(1), restored.Stats().Relationships)
}

func TestSnapshot_MissingFile(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.LoadSnapshot(filepath.Join(t.TempDir(), "none.gob")))
	assert.Equal(t, 0, s.Stats().Entities)
	assert.False(t, GetSnapshotInfo("/nonexistent/x.gob").Exists)
}

func TestCustodial(t *testing.T) {
	c := NewCustodial(map[string]string{"0xABC": "test_exchange"})

	venue, ok := c.Lookup("0x28C6c06298d514Db089934071355E5743bf21d60")
	assert.True(t, ok)
	assert.Equal(t, "binance", venue)

	assert.True(t, c.IsCustodial("0xabc"))
	assert.True(t, c.ShouldCutEdge("0xabc", "0xdef"))
	assert.True(t, c.ShouldCutEdge("0xdef", "0x71660c4005ba85c37ccec55d0c4493e66fe775d3"))
	assert.False(t, c.ShouldCutEdge("0xdef", "0x123"))
	assert.Equal(t, len(KnownCustodial)+1, c.Count())
}
