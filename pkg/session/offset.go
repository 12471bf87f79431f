package session

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

// Replay window defaults for the transmitted strategy.
const (
	// DefaultWindowSize is how many recent offsets are remembered per
	// peer.
	DefaultWindowSize = 64

	// DefaultWindowTTL is how long a remembered offset stays in the
	// window.
	DefaultWindowTTL = 2 * time.Minute
)

// DefaultMaxSkip is how far ahead of the last accepted value a counter
// offset may jump.
const DefaultMaxSkip = 16

// ReplayError indicates an offset that was already accepted from the
// same peer. The exchange is rejected without deriving a key.
type ReplayError struct {
	Peer   string
	Offset uint32
}

func (e *ReplayError) Error() string {
	return fmt.Sprintf("replayed offset %d from peer %s", e.Offset, e.Peer)
}

// OffsetResolver produces offsets for outgoing exchanges and vets
// offsets arriving from peers. The two strategies differ in how the
// device recognizes a fresh offset, not in how keys are derived.
type OffsetResolver interface {
	// Next returns the offset to transmit in the next exchange this
	// side initiates.
	Next() (uint32, error)

	// Accept vets an offset received from peer, recording it on
	// success. A reused offset yields a *ReplayError.
	Accept(peer string, offset uint32) error
}

// TransmittedResolver implements the transmitted strategy: offsets are
// random, travel inside the hello, and a bounded per-peer window of
// recently seen values rejects reuse.
type TransmittedResolver struct {
	mu      sync.Mutex
	windows map[string][]acceptedOffset

	windowSize int
	windowTTL  time.Duration

	now func() time.Time
}

type acceptedOffset struct {
	offset uint32
	seenAt time.Time
}

var _ OffsetResolver = (*TransmittedResolver)(nil)

// NewTransmittedResolver returns a resolver with the default window
// bounds.
func NewTransmittedResolver() *TransmittedResolver {
	return &TransmittedResolver{
		windows:    make(map[string][]acceptedOffset),
		windowSize: DefaultWindowSize,
		windowTTL:  DefaultWindowTTL,
		now:        time.Now,
	}
}

func (r *TransmittedResolver) Next() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("reading random offset: %w", err)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (r *TransmittedResolver) Accept(peer string, offset uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	window := r.windows[peer][:0]
	for _, seen := range r.windows[peer] {
		if now.Sub(seen.seenAt) >= r.windowTTL {
			continue
		}
		if seen.offset == offset {
			return &ReplayError{Peer: peer, Offset: offset}
		}
		window = append(window, seen)
	}

	window = append(window, acceptedOffset{offset: offset, seenAt: now})
	if len(window) > r.windowSize {
		window = window[len(window)-r.windowSize:]
	}
	r.windows[peer] = window
	return nil
}

// Forget drops the replay window for peer. Used when a peer is removed
// entirely.
func (r *TransmittedResolver) Forget(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, peer)
}

// CounterResolver implements the procedural strategy: both sides step
// a monotonic counter, so an acceptable offset must be strictly greater
// than the last accepted one and within a bounded skip.
type CounterResolver struct {
	mu      sync.Mutex
	next    uint32
	peers   map[string]uint32
	maxSkip uint32
}

var _ OffsetResolver = (*CounterResolver)(nil)

// NewCounterResolver returns a resolver starting its own counter at
// start.
func NewCounterResolver(start uint32) *CounterResolver {
	return &CounterResolver{
		next:    start,
		peers:   make(map[string]uint32),
		maxSkip: DefaultMaxSkip,
	}
}

func (r *CounterResolver) Next() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	offset := r.next
	r.next++
	return offset, nil
}

func (r *CounterResolver) Accept(peer string, offset uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	last, known := r.peers[peer]
	if known {
		if offset <= last {
			return &ReplayError{Peer: peer, Offset: offset}
		}
		if offset-last > r.maxSkip {
			return fmt.Errorf("offset %d from peer %s skips too far ahead of %d", offset, peer, last)
		}
	}
	r.peers[peer] = offset
	return nil
}

// Forget drops the counter state for peer.
func (r *CounterResolver) Forget(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peer)
}
