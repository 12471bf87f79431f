package persistence

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iotscp/iotscp-go/pkg/wire"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// DeviceState contains the persisted runtime state for an IOTSCP device.
type DeviceState struct {
	// Version is the state file format version.
	Version int `cbor:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `cbor:"savedAt"`

	// DeviceType is the type URN of the device that wrote the state.
	// Callers compare it before restoring so a state file is never
	// applied to a different kind of device.
	DeviceType string `cbor:"deviceType,omitempty"`

	// Variables holds the last known value of each state variable.
	// Values are CBOR scalars: integers restore as int64, floats as
	// float64, matching the wire representation.
	Variables map[string]any `cbor:"variables,omitempty"`
}

// StateStore manages persistence of device state to a CBOR file.
type StateStore struct {
	mu   sync.Mutex
	path string
}

// NewStateStore creates a state store backed by the given file path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Path returns the backing file path.
func (s *StateStore) Path() string { return s.path }

// Save persists the device state to disk.
func (s *StateStore) Save(state *DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ensure parent directory exists
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	state.Version = StateVersion
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}

	data, err := wire.Marshal(state)
	if err != nil {
		return err
	}

	return os.WriteFile(s.path, data, 0644)
}

// Load reads the device state from disk.
// Returns nil, nil if the file doesn't exist (empty state).
func (s *StateStore) Load() (*DeviceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &DeviceState{}
	if err := wire.Unmarshal(data, state); err != nil {
		return nil, err
	}

	return state, nil
}

// Clear removes the state file.
func (s *StateStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
