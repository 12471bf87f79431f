package cert

import (
	"errors"
	"strings"
)

// Store errors.
var (
	ErrCertNotFound = errors.New("certificate not found")
	ErrInvalidName  = errors.New("invalid certificate name")
)

// Store defines the interface for certificate storage. The running
// device and each host treat their store as read-only apart from the
// explicit generation step. Implementations must be safe for concurrent
// access.
type Store interface {
	// Save stores a certificate under a name.
	Save(name string, c *Certificate) error

	// Load returns the named certificate.
	// Returns ErrCertNotFound if it does not exist.
	Load(name string) (*Certificate, error)

	// Delete removes the named certificate.
	// Returns ErrCertNotFound if it does not exist.
	Delete(name string) error

	// List returns the names of all stored certificates.
	List() ([]string, error)
}

// checkName rejects names that would escape the store's namespace.
func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return ErrInvalidName
	}
	return nil
}
