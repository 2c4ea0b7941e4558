package cluster

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nexus-trading/chainintel/internal/features"
	"github.com/nexus-trading/chainintel/internal/graphstore"
	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/nexus-trading/chainintel/internal/score"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Similarity & Clustering Engine
// Groups window addresses into entities: density expansion over scaled
// feature vectors restricted to direct transaction edges, then an
// optimistic, per-address serialized commit against the entity store.
// ---------------------------------------------------------------------------

// Config configures the clustering Engine.
type Config struct {
	DistanceThreshold float64 `yaml:"distance_threshold" validate:"gt=0,lte=2"` // max cosine distance for neighbors
	PatternBonus      float64 `yaml:"pattern_bonus" validate:"gte=0"`           // distance discount for equal activity patterns
	MinClusterSize    int     `yaml:"min_cluster_size" validate:"gte=2"`
	MaxMergeRetries   int     `yaml:"max_merge_retries" validate:"gte=0"`
	LockStripes       int     `yaml:"lock_stripes"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DistanceThreshold: 0.15,
		PatternBonus:      0.05,
		MinClusterSize:    2,
		MaxMergeRetries:   5,
		LockStripes:       256,
	}
}

// Hints carries detector outputs the scorer uses.
type Hints struct {
	MEVActors map[string]int // address -> sandwich participations as attacker
}

// Result describes the entity changes of one window.
type Result struct {
	WindowID    string
	Created     []model.Entity
	Updated     []model.Entity
	Assignments map[string]string // clustered address -> entity ID
	Skipped     int               // candidates abandoned after exhausting retries
}

// Engine resolves windows into entities.
type Engine struct {
	config    Config
	store     graphstore.Store
	scorer    *score.Scorer
	custodial *graphstore.Custodial
	locks     *stripedLock
	newID     func() string

	windows atomic.Int64
	created atomic.Int64
	merged  atomic.Int64
	retries atomic.Int64
	skipped atomic.Int64
}

// NewEngine creates a clustering Engine.
func NewEngine(config Config, store graphstore.Store, scorer *score.Scorer, custodial *graphstore.Custodial) *Engine {
	if custodial == nil {
		custodial = graphstore.NewCustodial(nil)
	}
	return &Engine{
		config:    config,
		store:     store,
		scorer:    scorer,
		custodial: custodial,
		locks:     newStripedLock(config.LockStripes),
		newID:     uuid.NewString,
	}
}

// Resolve clusters the window and commits the result to the store.
// It returns *model.ClusteringInvariantViolation if, after the window, an
// address touched by it is claimed by more than one entity.
func (e *Engine) Resolve(ctx context.Context, w *features.Window, hints Hints) (*Result, error) {
	e.windows.Add(1)
	res := &Result{WindowID: w.ID, Assignments: make(map[string]string)}

	s := newSpace(w, e.custodial.IsCustodial)
	clusters, noise := e.expand(w, s)

	candidates := clusters
	for _, addr := range noise {
		// Singletons survive only on a hard rule.
		if _, _, _, ok := e.scorer.Match(e.profile(w, []string{addr}, hints)); ok {
			candidates = append(candidates, []string{addr})
		}
	}

	touched := make(map[string]struct{})
	for _, members := range candidates {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("cluster: resolve window %s: %w", w.ID, err)
		}
		ent, created, err := e.commit(ctx, w, members, hints)
		if err != nil {
			if errors.Is(err, model.ErrVersionConflict) || errors.Is(err, model.ErrAddressOwned) {
				res.Skipped++
				e.skipped.Add(1)
				log.Warn().Err(err).Str("window", w.ID).Strs("members", members).Msg("cluster: candidate skipped")
				continue
			}
			return res, fmt.Errorf("cluster: resolve window %s: %w", w.ID, err)
		}
		if _, seen := touched[ent.ID]; !seen {
			touched[ent.ID] = struct{}{}
			if created {
				res.Created = append(res.Created, ent)
			} else {
				res.Updated = append(res.Updated, ent)
			}
		} else {
			replaceEntity(res, ent)
		}
		for _, m := range members {
			if ent.HasMember(m) {
				res.Assignments[m] = ent.ID
			}
		}
	}

	ids := make([]string, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if err := VerifyDisjoint(ctx, e.store, w.ID, ids); err != nil {
		return res, err
	}

	log.Debug().
		Str("window", w.ID).
		Int("candidates", len(candidates)).
		Int("created", len(res.Created)).
		Int("updated", len(res.Updated)).
		Msg("cluster: window resolved")
	return res, nil
}

func replaceEntity(res *Result, ent model.Entity) {
	for i := range res.Created {
		if res.Created[i].ID == ent.ID {
			res.Created[i] = ent
			return
		}
	}
	for i := range res.Updated {
		if res.Updated[i].ID == ent.ID {
			res.Updated[i] = ent
			return
		}
	}
}

// commit writes one candidate under the stripes of its members. Conflicts
// re-read the store and retry up to MaxMergeRetries times.
func (e *Engine) commit(ctx context.Context, w *features.Window, members []string, hints Hints) (model.Entity, bool, error) {
	unlock := e.locks.lock(members)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt <= e.config.MaxMergeRetries; attempt++ {
		if attempt > 0 {
			e.retries.Add(1)
		}
		ent, created, err := e.tryCommit(ctx, w, members, hints)
		if err == nil {
			return ent, created, nil
		}
		if !errors.Is(err, model.ErrVersionConflict) && !errors.Is(err, model.ErrAddressOwned) {
			return model.Entity{}, false, err
		}
		lastErr = err
	}
	return model.Entity{}, false, fmt.Errorf("cluster: commit %v after %d attempts: %w", members, e.config.MaxMergeRetries+1, lastErr)
}

func (e *Engine) tryCommit(ctx context.Context, w *features.Window, members []string, hints Hints) (model.Entity, bool, error) {
	owners := make(map[string]struct{})
	var free []string
	for _, m := range members {
		id, err := e.store.EntityForAddress(ctx, m)
		if err != nil {
			return model.Entity{}, false, err
		}
		if id == "" {
			free = append(free, m)
			continue
		}
		owners[id] = struct{}{}
	}

	if len(owners) == 0 {
		typ, conf := e.scorer.Score(e.profile(w, members, hints))
		ent, err := e.store.UpsertEntity(ctx, model.Entity{
			ID:         e.newID(),
			Members:    members,
			Type:       typ,
			Confidence: conf,
		})
		if err != nil {
			return model.Entity{}, false, err
		}
		e.created.Add(1)
		return ent, true, nil
	}

	target, err := e.pickTarget(ctx, owners)
	if err != nil {
		return model.Entity{}, false, err
	}

	if len(free) > 0 {
		target, err = e.store.MergeAddressesIntoEntity(ctx, target.ID, free, target.Version)
		if err != nil {
			return model.Entity{}, false, err
		}
		e.merged.Add(int64(len(free)))
	}

	typ, conf := e.rescore(target, e.profile(w, target.Members, hints))
	if typ == target.Type && conf == target.Confidence {
		return target, false, nil
	}
	next := target.Clone()
	next.Type = typ
	next.Confidence = conf
	updated, err := e.store.UpsertEntity(ctx, next)
	if err != nil {
		return model.Entity{}, false, err
	}
	return updated, false, nil
}

// pickTarget returns the owning entity with the highest confidence; ties go
// to the lowest ID.
func (e *Engine) pickTarget(ctx context.Context, owners map[string]struct{}) (model.Entity, error) {
	var best model.Entity
	found := false
	for id := range owners {
		ent, err := e.store.QueryEntity(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrEntityNotFound) {
				// Ownership index moved under us.
				return model.Entity{}, model.ErrVersionConflict
			}
			return model.Entity{}, err
		}
		if !found || ent.Confidence > best.Confidence ||
			(ent.Confidence == best.Confidence && ent.ID < best.ID) {
			best, found = ent, true
		}
	}
	return best, nil
}

// rescore re-evaluates an existing entity on the evidence of this window.
// A rule result replaces the type. Without a rule, a typed entity keeps its
// type and an unknown entity keeps the higher of old and new confidence.
func (e *Engine) rescore(cur model.Entity, p score.Profile) (model.EntityType, float64) {
	if len(p.Members) == 0 {
		return cur.Type, cur.Confidence
	}
	if typ, conf, _, ok := e.scorer.Match(p); ok {
		if typ == cur.Type && cur.Confidence > conf {
			conf = cur.Confidence
		}
		return typ, conf
	}
	if cur.Type != model.EntityUnknown && cur.Type != "" {
		return cur.Type, cur.Confidence
	}
	_, conf := e.scorer.Score(p)
	if cur.Confidence > conf {
		conf = cur.Confidence
	}
	return model.EntityUnknown, conf
}

// profile gathers the window vectors of addrs.
func (e *Engine) profile(w *features.Window, addrs []string, hints Hints) score.Profile {
	p := score.Profile{BaselineGasPrice: w.BaselineGasPrice, MEVAdjacency: hints.MEVActors}
	for _, a := range addrs {
		if v, ok := w.Vectors[a]; ok {
			p.Members = append(p.Members, v)
		}
	}
	return p
}

// VerifyDisjoint checks that every member of the given entities is owned by
// exactly that entity in the store.
func VerifyDisjoint(ctx context.Context, store graphstore.Store, windowID string, entityIDs []string) error {
	claimed := make(map[string]string)
	for _, id := range entityIDs {
		ent, err := store.QueryEntity(ctx, id)
		if err != nil {
			return fmt.Errorf("cluster: verify window %s: %w", windowID, err)
		}
		for _, m := range ent.Members {
			if prev, ok := claimed[m]; ok && prev != id {
				return &model.ClusteringInvariantViolation{WindowID: windowID, Address: m, EntityIDs: []string{prev, id}}
			}
			claimed[m] = id
			owner, err := store.EntityForAddress(ctx, m)
			if err != nil {
				return fmt.Errorf("cluster: verify window %s: %w", windowID, err)
			}
			if owner != id {
				return &model.ClusteringInvariantViolation{WindowID: windowID, Address: m, EntityIDs: []string{id, owner}}
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

// Stats returns engine statistics.
type Stats struct {
	Windows        int64 `json:"windows"`
	Created        int64 `json:"created"`
	MergedAddrs    int64 `json:"merged_addresses"`
	Retries        int64 `json:"retries"`
	SkippedCommits int64 `json:"skipped_commits"`
}

// Stats returns current statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Windows:        e.windows.Load(),
		Created:        e.created.Load(),
		MergedAddrs:    e.merged.Load(),
		Retries:        e.retries.Load(),
		SkippedCommits: e.skipped.Load(),
	}
}
