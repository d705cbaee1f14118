package store

import "sync"

// MemStore is an in-memory Store used by tests and ephemeral setups.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]map[string][]byte)}
}

// Get returns the value stored under recordType/id.
func (s *MemStore) Get(recordType, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.data[recordType][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(val))
	copy(cp, val)
	return cp, nil
}

// Put stores value under recordType/id.
func (s *MemStore) Put(recordType, id string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data[recordType] == nil {
		s.data[recordType] = make(map[string][]byte)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[recordType][id] = cp
	return nil
}

// Delete removes recordType/id.
func (s *MemStore) Delete(recordType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data[recordType], id)
	return nil
}

// GetAll returns every value under recordType keyed by id.
func (s *MemStore) GetAll(recordType string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(s.data[recordType]))
	for id, val := range s.data[recordType] {
		cp := make([]byte, len(val))
		copy(cp, val)
		out[id] = cp
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemStore) Close() error {
	return nil
}
