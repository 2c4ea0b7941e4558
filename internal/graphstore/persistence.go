package graphstore

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/nexus-trading/chainintel/internal/model"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Entity store persistence: gob-encoded snapshots, written atomically and
// loaded on startup. The ownership index is rebuilt from members on load.
// ---------------------------------------------------------------------------

type storeSnapshot struct {
	Entities      map[string]*model.Entity
	AdjOut        map[string][]Relationship
	AdjIn         map[string][]Relationship
	CreatedAt     time.Time
	EntityCount   int
	RelationCount int
}

// SaveSnapshot persists the current store state to path.
func (s *MemoryStore) SaveSnapshot(path string) error {
	s.mu.RLock()
	snap := storeSnapshot{
		Entities:    make(map[string]*model.Entity, len(s.entities)),
		AdjOut:      make(map[string][]Relationship, len(s.adjOut)),
		AdjIn:       make(map[string][]Relationship, len(s.adjIn)),
		CreatedAt:   s.now(),
		EntityCount: len(s.entities),
	}
	for id, e := range s.entities {
		c := e.Clone()
		snap.Entities[id] = &c
	}
	for a, rels := range s.adjOut {
		snap.AdjOut[a] = append([]Relationship(nil), rels...)
		snap.RelationCount += len(rels)
	}
	for a, rels := range s.adjIn {
		snap.AdjIn[a] = append([]Relationship(nil), rels...)
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("graphstore: create snapshot dir: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("graphstore: create snapshot file: %w", err)
	}
	if err := gob.NewEncoder(f).Encode(&snap); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("graphstore: encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("graphstore: close snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("graphstore: rename snapshot: %w", err)
	}

	log.Info().
		Int("entities", snap.EntityCount).
		Int("relationships", snap.RelationCount).
		Str("path", path).
		Msg("graphstore: snapshot saved")
	return nil
}

// LoadSnapshot restores store state from path. A missing or empty file
// leaves the store empty.
func (s *MemoryStore) LoadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("graphstore: no snapshot found, starting fresh")
			return nil
		}
		return fmt.Errorf("graphstore: open snapshot: %w", err)
	}
	defer f.Close()

	var snap storeSnapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		if errors.Is(err, io.EOF) {
			log.Warn().Str("path", path).Msg("graphstore: empty snapshot, starting fresh")
			return nil
		}
		return fmt.Errorf("graphstore: decode snapshot: %w", err)
	}

	owner := make(map[string]string)
	for id, e := range snap.Entities {
		for _, a := range e.Members {
			if prev, dup := owner[a]; dup {
				return &model.ClusteringInvariantViolation{
					WindowID:  "snapshot",
					Address:   a,
					EntityIDs: []string{prev, id},
				}
			}
			owner[a] = id
		}
	}

	s.mu.Lock()
	s.entities = snap.Entities
	s.adjOut = snap.AdjOut
	s.adjIn = snap.AdjIn
	s.owner = owner
	if s.entities == nil {
		s.entities = make(map[string]*model.Entity)
	}
	if s.adjOut == nil {
		s.adjOut = make(map[string][]Relationship)
	}
	if s.adjIn == nil {
		s.adjIn = make(map[string][]Relationship)
	}
	s.relCount.Store(int64(snap.RelationCount))
	s.mu.Unlock()

	log.Info().
		Int("entities", snap.EntityCount).
		Int("relationships", snap.RelationCount).
		Time("created_at", snap.CreatedAt).
		Str("path", path).
		Msg("graphstore: snapshot loaded")
	return nil
}

// SnapshotInfo describes a snapshot file without loading it.
type SnapshotInfo struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	ModTime   time.Time `json:"mod_time"`
	Exists    bool      `json:"exists"`
}

// GetSnapshotInfo stats the snapshot at path.
func GetSnapshotInfo(path string) SnapshotInfo {
	info, err := os.Stat(path)
	if err != nil {
		return SnapshotInfo{Path: path}
	}
	return SnapshotInfo{
		Path:      path,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
		Exists:    true,
	}
}
