package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MigrateFunc converts a payload stored under an older schema version into
// the current representation. It is invoked only when the stored version is
// lower than the region's current version.
type MigrateFunc[T any] func(storedVersion int, raw json.RawMessage) (T, error)

// Region is a typed view over one named cache region. The payload is stored
// as a single JSON document tagged with the region's schema version.
type Region[T any] struct {
	store   *Store
	name    string
	version int
	migrate MigrateFunc[T]
}

// NewRegion creates a typed region handle. migrate may be nil, in which case
// a version mismatch on read surfaces as ErrCorrupt.
func NewRegion[T any](store *Store, name string, version int, migrate MigrateFunc[T]) *Region[T] {
	return &Region[T]{store: store, name: name, version: version, migrate: migrate}
}

// Name returns the region name.
func (r *Region[T]) Name() string { return r.name }

// Get reads the region payload. Returns ErrNotFound when the region has
// never been written and ErrCorrupt (wrapped) when the stored payload cannot
// be decoded or carries an unmigratable schema version.
func (r *Region[T]) Get() (T, error) {
	var zero T

	raw, stored, err := r.store.get(r.name)
	if err != nil {
		return zero, err
	}

	if stored != r.version {
		if r.migrate == nil || stored > r.version {
			return zero, fmt.Errorf("%w: region %s stored schema v%d, want v%d", ErrCorrupt, r.name, stored, r.version)
		}
		v, err := r.migrate(stored, raw)
		if err != nil {
			return zero, fmt.Errorf("%w: migrating region %s from v%d: %v", ErrCorrupt, r.name, stored, err)
		}
		return v, nil
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("%w: region %s payload: %v", ErrCorrupt, r.name, err)
	}
	return v, nil
}

// Put replaces the region payload wholesale.
func (r *Region[T]) Put(v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding region %s: %w", r.name, err)
	}
	return r.store.put(r.name, r.version, data)
}

// Update applies fn to the current payload (the zero value when absent) and
// writes the result back, holding the store's writer lock so concurrent
// read-modify-write sequences on the same store do not interleave.
func (r *Region[T]) Update(fn func(T) T) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	cur, err := r.Get()
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return r.Put(fn(cur))
}

// Fresh reports whether the region was written within maxAge.
func (r *Region[T]) Fresh(maxAge time.Duration) bool {
	return r.store.Fresh(r.name, maxAge)
}

// Clear removes the region.
func (r *Region[T]) Clear() error {
	return r.store.Clear(r.name)
}
