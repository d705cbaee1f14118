package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v3"
)

// BadgerStore implements Store on top of BadgerDB. Keys are laid out as
// "<recordType>/<id>" so GetAll is a prefix scan.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) a BadgerDB store at path.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	// Badger's own logger is noisy; edgesync logs at the call sites instead.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// Get returns the value stored under recordType/id.
func (s *BadgerStore) Get(recordType, id string) ([]byte, error) {
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(recordType, id))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", recordType, id, err)
	}
	return val, nil
}

// Put stores value under recordType/id.
func (s *BadgerStore) Put(recordType, id string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(recordType, id), value)
	})
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", recordType, id, err)
	}
	return nil
}

// Delete removes recordType/id. Missing keys are not an error.
func (s *BadgerStore) Delete(recordType, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(recordType, id))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", recordType, id, err)
	}
	return nil
}

// GetAll returns every value under recordType keyed by id.
func (s *BadgerStore) GetAll(recordType string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	prefix := []byte(recordType + "/")

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := strings.TrimPrefix(string(item.Key()), recordType+"/")
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[id] = val
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", recordType, err)
	}
	return out, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func key(recordType, id string) []byte {
	return []byte(recordType + "/" + id)
}
