package graphstore

import (
	"context"
	"time"

	"github.com/nexus-trading/chainintel/internal/model"
)

// RelationType labels a relationship between two addresses.
type RelationType string

const (
	RelTransferredTo RelationType = "TRANSFERRED_TO"
	RelSandwiched    RelationType = "SANDWICHED"
	RelFundedBy      RelationType = "FUNDED_BY"
)

// Relationship is a typed, weighted edge between two addresses.
type Relationship struct {
	From      string       `json:"from"`
	To        string       `json:"to"`
	Type      RelationType `json:"type"`
	Weight    float64      `json:"weight"`
	Count     int          `json:"count"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Query filters SearchEntities.
type Query struct {
	Type          model.EntityType `json:"type,omitempty"`
	MinConfidence float64          `json:"min_confidence,omitempty"`
	Address       string           `json:"address,omitempty"` // entity containing this address
	IncludeStale  bool             `json:"include_stale,omitempty"`
	Limit         int              `json:"limit,omitempty"`
}

// Store is the authoritative entity store.
//
// Writes are optimistic: UpsertEntity and MergeAddressesIntoEntity fail with
// model.ErrVersionConflict when the stored version differs from the expected
// one, and with model.ErrAddressOwned when an address already belongs to a
// different entity. Every successful write increments the version.
type Store interface {
	// UpsertEntity creates e when e.Version == 0, otherwise replaces the stored
	// entity whose version equals e.Version. Members may only grow.
	UpsertEntity(ctx context.Context, e model.Entity) (model.Entity, error)
	// MergeAddressesIntoEntity adds addresses to an existing entity.
	MergeAddressesIntoEntity(ctx context.Context, entityID string, addresses []string, expectedVersion uint64) (model.Entity, error)
	CreateRelationship(ctx context.Context, from, to string, typ RelationType, weight float64) error
	QueryEntity(ctx context.Context, entityID string) (model.Entity, error)
	SearchEntities(ctx context.Context, q Query) ([]model.Entity, error)
	// EntityForAddress returns the owning entity ID, or "" if unowned.
	EntityForAddress(ctx context.Context, address string) (string, error)
	// MarkStale flags live entities not updated since cutoff. Entities are never deleted.
	MarkStale(ctx context.Context, cutoff time.Time) (int, error)
	Relationships(ctx context.Context, address string) ([]Relationship, error)
}
