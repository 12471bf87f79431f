package cert

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// certFileExt is the filename extension for stored certificates.
const certFileExt = ".pem"

// FileStore is a file-based implementation of the Store interface.
// Certificates are stored as PEM files in a flat directory, one file per
// name. This is the operator-facing certificates directory: generation
// writes here, and the operator copies files from here to trusted hosts.
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
}

// NewFileStore creates a file-based certificate store rooted at baseDir.
// The directory is created on first Save.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir}
}

// Save writes a certificate to <baseDir>/<name>.pem.
func (s *FileStore) Save(name string, c *Certificate) error {
	if err := checkName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		return fmt.Errorf("creating certificates directory: %w", err)
	}
	return WriteFile(s.path(name), c)
}

// Load reads the named certificate from disk.
func (s *FileStore) Load(name string) (*Certificate, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, err := ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return nil, ErrCertNotFound
	}
	return c, err
}

// Delete removes the named certificate file.
func (s *FileStore) Delete(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(name))
	if os.IsNotExist(err) {
		return ErrCertNotFound
	}
	return err
}

// List returns the names of all certificates in the directory.
func (s *FileStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), certFileExt) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), certFileExt))
	}
	return names, nil
}

func (s *FileStore) path(name string) string {
	return filepath.Join(s.baseDir, name+certFileExt)
}

// Verify FileStore implements Store.
var _ Store = (*FileStore)(nil)
