package store

import "sync"

// memoryStore implements Store in process memory. Used in tests and for
// ephemeral deployments where durability is not required.
type memoryStore struct {
	mu     sync.RWMutex
	data   map[Collection]map[string][]byte
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{data: make(map[Collection]map[string][]byte)}
}

func (s *memoryStore) Put(collection Collection, id string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.data[collection] == nil {
		s.data[collection] = make(map[string][]byte)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[collection][id] = cp
	return nil
}

func (s *memoryStore) Get(collection Collection, id string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	value, ok := s.data[collection][id]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (s *memoryStore) GetAll(collection Collection) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string][]byte, len(s.data[collection]))
	for id, value := range s.data[collection] {
		cp := make([]byte, len(value))
		copy(cp, value)
		out[id] = cp
	}
	return out, nil
}

func (s *memoryStore) Delete(collection Collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.data[collection], id)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
