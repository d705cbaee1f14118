// Package store provides the local persisted key/value store edgesync reads
// pending changes from and writes resolved state to. Values are opaque JSON
// documents grouped by logical record type; durability is assumed across
// process restarts, multi-key transactions are not.
package store

import "errors"

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("store: key not found")

// Store is the local persisted store contract.
type Store interface {
	// Get returns the value stored under recordType/id.
	Get(recordType, id string) ([]byte, error)

	// Put stores value under recordType/id, overwriting any previous value.
	Put(recordType, id string, value []byte) error

	// Delete removes recordType/id. Deleting a missing key is not an error.
	Delete(recordType, id string) error

	// GetAll returns every value stored under recordType keyed by id.
	GetAll(recordType string) (map[string][]byte, error)

	// Close releases the underlying storage.
	Close() error
}
