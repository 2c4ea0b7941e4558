package graphstore

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/chainintel/internal/model"
)

// ---------------------------------------------------------------------------
// In-memory entity store: authoritative entity state, address ownership
// index and typed relationships. Persisted via gob snapshots.
// ---------------------------------------------------------------------------

// Config configures the MemoryStore.
type Config struct {
	DustThreshold   float64 `yaml:"dust_threshold"`     // ignore relationships below this weight
	MaxEdgesPerNode int     `yaml:"max_edges_per_node"` // outgoing relationship cap per address
	SnapshotPath    string  `yaml:"snapshot_path"`      // empty disables snapshots
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DustThreshold:   0.0001, // ETH
		MaxEdgesPerNode: 500,
		SnapshotPath:    "data/entities.gob",
	}
}

type relKey struct {
	to  string
	typ RelationType
}

// MemoryStore is a Store backed by process memory.
type MemoryStore struct {
	config Config

	mu       sync.RWMutex
	entities map[string]*model.Entity
	owner    map[string]string // address -> entity ID
	adjOut   map[string][]Relationship
	adjIn    map[string][]Relationship

	now func() time.Time

	// Stats.
	writes    atomic.Int64
	conflicts atomic.Int64
	queries   atomic.Int64
	relCount  atomic.Int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(config Config) *MemoryStore {
	return &MemoryStore{
		config:   config,
		entities: make(map[string]*model.Entity),
		owner:    make(map[string]string),
		adjOut:   make(map[string][]Relationship),
		adjIn:    make(map[string][]Relationship),
		now:      time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

// UpsertEntity creates or replaces an entity under optimistic concurrency.
func (s *MemoryStore) UpsertEntity(ctx context.Context, e model.Entity) (model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return model.Entity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e.Version == 0 {
		if _, exists := s.entities[e.ID]; exists || e.ID == "" {
			s.conflicts.Add(1)
			return model.Entity{}, model.ErrVersionConflict
		}
		members := model.MergeSorted(nil, e.Members)
		if err := s.checkFree(e.ID, members); err != nil {
			return model.Entity{}, err
		}
		created := e.Clone()
		created.Members = members
		created.Confidence = model.Clamp01(e.Confidence)
		created.Version = 1
		created.Stale = false
		if created.CreatedAt.IsZero() {
			created.CreatedAt = now
		}
		created.LastUpdatedAt = now
		s.store(&created)
		return created.Clone(), nil
	}

	cur, ok := s.entities[e.ID]
	if !ok {
		return model.Entity{}, model.ErrEntityNotFound
	}
	if cur.Version != e.Version {
		s.conflicts.Add(1)
		return model.Entity{}, model.ErrVersionConflict
	}

	// Members never shrink: the written set is the union.
	members := model.MergeSorted(cur.Members, e.Members)
	if err := s.checkFree(e.ID, members); err != nil {
		return model.Entity{}, err
	}
	updated := cur.Clone()
	updated.Members = members
	updated.Type = e.Type
	updated.Confidence = model.Clamp01(e.Confidence)
	updated.Stale = false
	updated.Version++
	updated.LastUpdatedAt = now
	s.store(&updated)
	return updated.Clone(), nil
}

// MergeAddressesIntoEntity adds addresses to an existing entity.
func (s *MemoryStore) MergeAddressesIntoEntity(ctx context.Context, entityID string, addresses []string, expectedVersion uint64) (model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return model.Entity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.entities[entityID]
	if !ok {
		return model.Entity{}, model.ErrEntityNotFound
	}
	if cur.Version != expectedVersion {
		s.conflicts.Add(1)
		return model.Entity{}, model.ErrVersionConflict
	}
	if err := s.checkFree(entityID, addresses); err != nil {
		return model.Entity{}, err
	}

	updated := cur.WithMembers(addresses...)
	updated.Stale = false
	updated.Version++
	updated.LastUpdatedAt = s.now()
	s.store(&updated)
	return updated.Clone(), nil
}

// checkFree verifies no address is owned by an entity other than id.
// Caller must hold s.mu.
func (s *MemoryStore) checkFree(id string, addresses []string) error {
	for _, a := range addresses {
		if owner, ok := s.owner[a]; ok && owner != id {
			s.conflicts.Add(1)
			return model.ErrAddressOwned
		}
	}
	return nil
}

// store replaces the entity and indexes its members. Caller must hold s.mu.
func (s *MemoryStore) store(e *model.Entity) {
	s.entities[e.ID] = e
	for _, a := range e.Members {
		s.owner[a] = e.ID
	}
	s.writes.Add(1)
}

// CreateRelationship upserts a typed edge. Repeated calls accumulate weight
// and count on the same (from, to, type) edge.
func (s *MemoryStore) CreateRelationship(ctx context.Context, from, to string, typ RelationType, weight float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Anti-poisoning: ignore dust.
	if from == to || weight < s.config.DustThreshold {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := s.adjOut[from]
	for i := range out {
		if out[i].To == to && out[i].Type == typ {
			out[i].Weight += weight
			out[i].Count++
			out[i].UpdatedAt = now
			s.bumpIn(from, to, typ, weight, now)
			return nil
		}
	}

	// Cap per node.
	if s.config.MaxEdgesPerNode > 0 && len(out) >= s.config.MaxEdgesPerNode {
		return nil
	}
	r := Relationship{From: from, To: to, Type: typ, Weight: weight, Count: 1, UpdatedAt: now}
	s.adjOut[from] = append(out, r)
	s.adjIn[to] = append(s.adjIn[to], r)
	s.relCount.Add(1)
	return nil
}

func (s *MemoryStore) bumpIn(from, to string, typ RelationType, weight float64, now time.Time) {
	in := s.adjIn[to]
	for i := range in {
		if in[i].From == from && in[i].Type == typ {
			in[i].Weight += weight
			in[i].Count++
			in[i].UpdatedAt = now
			return
		}
	}
}

// MarkStale flags live entities not updated since cutoff.
func (s *MemoryStore) MarkStale(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entities {
		if e.Stale || !e.LastUpdatedAt.Before(cutoff) {
			continue
		}
		e.Stale = true
		e.Version++
		n++
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// QueryEntity returns a copy of the entity.
func (s *MemoryStore) QueryEntity(ctx context.Context, entityID string) (model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return model.Entity{}, err
	}
	s.queries.Add(1)

	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityID]
	if !ok {
		return model.Entity{}, model.ErrEntityNotFound
	}
	return e.Clone(), nil
}

// SearchEntities returns entities matching q, highest confidence first.
func (s *MemoryStore) SearchEntities(ctx context.Context, q Query) ([]model.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.queries.Add(1)

	s.mu.RLock()
	var out []model.Entity
	if q.Address != "" {
		if id, ok := s.owner[q.Address]; ok {
			if e := s.entities[id]; matches(e, q) {
				out = append(out, e.Clone())
			}
		}
	} else {
		for _, e := range s.entities {
			if matches(e, q) {
				out = append(out, e.Clone())
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func matches(e *model.Entity, q Query) bool {
	if e == nil {
		return false
	}
	if e.Stale && !q.IncludeStale {
		return false
	}
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	return e.Confidence >= q.MinConfidence
}

// EntityForAddress returns the owning entity ID, or "" if unowned.
func (s *MemoryStore) EntityForAddress(ctx context.Context, address string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner[address], nil
}

// Relationships returns outgoing then incoming edges of address.
func (s *MemoryStore) Relationships(ctx context.Context, address string) ([]Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Relationship, 0, len(s.adjOut[address])+len(s.adjIn[address]))
	out = append(out, s.adjOut[address]...)
	out = append(out, s.adjIn[address]...)
	return out, nil
}

// Owners returns the entity IDs owning each of addresses (absent if unowned)
// in one consistent read.
func (s *MemoryStore) Owners(addresses []string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(addresses))
	for _, a := range addresses {
		if id, ok := s.owner[a]; ok {
			out[a] = id
		}
	}
	return out
}

// CheckDisjoint verifies every address is a member of exactly one entity.
// It returns the first offending address and the entities that claim it.
func (s *MemoryStore) CheckDisjoint() (string, []string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]string, len(s.owner))
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, a := range s.entities[id].Members {
			if prev, ok := seen[a]; ok {
				return a, []string{prev, id}, false
			}
			seen[a] = id
		}
	}
	return "", nil, true
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats returns store statistics.
type Stats struct {
	Entities      int   `json:"entities"`
	StaleEntities int   `json:"stale_entities"`
	Addresses     int   `json:"addresses"`
	Relationships int64 `json:"relationships"`
	Writes        int64 `json:"writes"`
	Conflicts     int64 `json:"conflicts"`
	Queries       int64 `json:"queries"`
}

// Stats returns current statistics.
func (s *MemoryStore) Stats() Stats {
	s.mu.RLock()
	stale := 0
	for _, e := range s.entities {
		if e.Stale {
			stale++
		}
	}
	st := Stats{
		Entities:      len(s.entities),
		StaleEntities: stale,
		Addresses:     len(s.owner),
	}
	s.mu.RUnlock()

	st.Relationships = s.relCount.Load()
	st.Writes = s.writes.Load()
	st.Conflicts = s.conflicts.Load()
	st.Queries = s.queries.Load()
	return st
}
