package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrVersionConflict is returned by entity writes whose expected version no
// longer matches the stored one.
var ErrVersionConflict = errors.New("entity version conflict")

// ErrAddressOwned is returned when a write would place an address in two
// entities.
var ErrAddressOwned = errors.New("address already belongs to another entity")

// ErrEntityNotFound is returned by lookups of unknown entity IDs.
var ErrEntityNotFound = errors.New("entity not found")

// MalformedTransactionError rejects a single raw record. It never aborts a batch.
type MalformedTransactionError struct {
	Hash   string
	Field  string
	Reason string
}

func (e *MalformedTransactionError) Error() string {
	return fmt.Sprintf("malformed transaction %q: %s: %s", e.Hash, e.Field, e.Reason)
}

// ClusteringInvariantViolation means an address ended a window in more than
// one entity. It aborts the window and must be alerted on.
type ClusteringInvariantViolation struct {
	WindowID  string
	Address   string
	EntityIDs []string
}

func (e *ClusteringInvariantViolation) Error() string {
	return fmt.Sprintf("clustering invariant violated in window %s: address %s in entities [%s]",
		e.WindowID, e.Address, strings.Join(e.EntityIDs, ","))
}

// ExternalServiceUnavailable wraps a failed call to a provider or store.
type ExternalServiceUnavailable struct {
	Service string
	Err     error
}

func (e *ExternalServiceUnavailable) Error() string {
	return fmt.Sprintf("external service %s unavailable: %v", e.Service, e.Err)
}

func (e *ExternalServiceUnavailable) Unwrap() error { return e.Err }

// ModelLoadError reports a risk model artifact that could not be loaded.
type ModelLoadError struct {
	URI string
	Err error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("load model %s: %v", e.URI, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }
