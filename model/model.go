// Package model provides the read-model store: denormalized views keyed
// by id within a named collection, written alongside domain events and
// read by query paths. Records carry a version for optimistic writes.
package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyExists is returned by Insert when (collection, id) is
	// already present.
	ErrAlreadyExists = errors.New("sourced: model already exists")

	// ErrVersionConflict is returned by Update when the stored version
	// differs from the expected one.
	ErrVersionConflict = errors.New("sourced: model version conflict")

	ErrIDRequired = errors.New("sourced: model id required")
)

// VersionConflictError carries the record key and version pair of a
// failed optimistic update. It unwraps to ErrVersionConflict.
type VersionConflictError struct {
	Collection string
	ID         string
	Expected   uint64
	Actual     uint64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("sourced: model version conflict on %s/%s: expected %d, actual %d",
		e.Collection, e.ID, e.Expected, e.Actual)
}

func (e *VersionConflictError) Unwrap() error {
	return ErrVersionConflict
}

// Model is a read-model value. Collection names the view; ModelID keys
// the record within it.
type Model interface {
	Collection() string
	ModelID() string
}

// Versioned is a stored read-model record. Data is the encoded model;
// Version bumps on every write.
type Versioned struct {
	Collection string
	ID         string
	Version    uint64
	Data       []byte
}

// Store is the read-model contract. Implementations must be safe for
// concurrent use. Get returns nil without error for a missing record;
// Delete is idempotent.
type Store interface {
	Get(collection, id string) (*Versioned, error)
	Insert(m Model) (*Versioned, error)
	Upsert(m Model) (*Versioned, error)
	Update(m Model, expectedVersion uint64) (*Versioned, error)
	Delete(collection, id string) (bool, error)
	Find(collection string, pred func(*Versioned) bool) ([]*Versioned, error)
	FindOne(collection string, pred func(*Versioned) bool) (*Versioned, error)

	// Decode unmarshals a record's data with the store's codec.
	Decode(rec *Versioned, v any) error
}
