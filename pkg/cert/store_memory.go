package cert

import (
	"sort"
	"sync"
)

// MemoryStore is an in-memory implementation of the Store interface,
// used in tests and for hosts that receive certificates by other means.
type MemoryStore struct {
	mu    sync.RWMutex
	certs map[string]*Certificate
}

// NewMemoryStore creates an empty in-memory certificate store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{certs: make(map[string]*Certificate)}
}

// Save stores a certificate under a name.
func (s *MemoryStore) Save(name string, c *Certificate) error {
	if err := checkName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.certs[name] = c
	return nil
}

// Load returns the named certificate.
func (s *MemoryStore) Load(name string) (*Certificate, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, exists := s.certs[name]
	if !exists {
		return nil, ErrCertNotFound
	}
	return c, nil
}

// Delete removes the named certificate.
func (s *MemoryStore) Delete(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.certs[name]; !exists {
		return ErrCertNotFound
	}
	delete(s.certs, name)
	return nil
}

// List returns the names of all stored certificates, sorted.
func (s *MemoryStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.certs))
	for name := range s.certs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Verify MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
