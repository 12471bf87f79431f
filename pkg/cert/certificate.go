// Package cert implements the IOTSCP shared-secret certificate: an
// ordered sequence of random key segments generated once per device and
// copied out-of-band to trusted hosts. Session keys are derived from
// individual segments; the certificate itself never crosses the network.
package cert

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Default certificate dimensions. 16 segments of 32 bytes gives 512
// bytes of key material, enough for the offset space to stay sparse in
// practice while keeping the file trivially copyable.
const (
	DefaultSegmentCount  = 16
	DefaultSegmentLength = 32

	// MinSegmentLength is the smallest segment that still carries enough
	// entropy to serve as HKDF input keying material.
	MinSegmentLength = 16

	// MaxCertificateBytes bounds segmentCount*segmentLength.
	MaxCertificateBytes = 1 << 20
)

// Certificate errors.
var (
	// ErrInsufficientEntropy indicates the platform RNG could not be read
	// during generation. Fatal at generation time only.
	ErrInsufficientEntropy = errors.New("insufficient entropy from platform RNG")

	// ErrInvalidDimensions indicates segment count or length out of range.
	ErrInvalidDimensions = errors.New("invalid certificate dimensions")

	// ErrMalformedCertificate indicates certificate data that does not
	// match its declared dimensions.
	ErrMalformedCertificate = errors.New("malformed certificate")
)

// Certificate is an immutable ordered sequence of equal-length key
// segments. Read-only shared state after generation; safe for concurrent
// use.
type Certificate struct {
	segments [][]byte
}

// Generate creates a new certificate with cryptographically random
// segments. Returns ErrInsufficientEntropy if the platform RNG cannot be
// read.
func Generate(segmentCount, segmentLength int) (*Certificate, error) {
	if err := checkDimensions(segmentCount, segmentLength); err != nil {
		return nil, err
	}

	segments := make([][]byte, segmentCount)
	for i := range segments {
		seg := make([]byte, segmentLength)
		if _, err := rand.Read(seg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
		}
		segments[i] = seg
	}
	return &Certificate{segments: segments}, nil
}

// New builds a certificate from existing segment bytes, copying them.
// All segments must be the same, valid length.
func New(segments [][]byte) (*Certificate, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: no segments", ErrMalformedCertificate)
	}
	segLen := len(segments[0])
	if err := checkDimensions(len(segments), segLen); err != nil {
		return nil, err
	}

	copied := make([][]byte, len(segments))
	for i, seg := range segments {
		if len(seg) != segLen {
			return nil, fmt.Errorf("%w: segment %d has length %d, want %d",
				ErrMalformedCertificate, i, len(seg), segLen)
		}
		copied[i] = append([]byte(nil), seg...)
	}
	return &Certificate{segments: copied}, nil
}

func checkDimensions(segmentCount, segmentLength int) error {
	if segmentCount < 1 {
		return fmt.Errorf("%w: segment count %d", ErrInvalidDimensions, segmentCount)
	}
	if segmentLength < MinSegmentLength {
		return fmt.Errorf("%w: segment length %d below minimum %d",
			ErrInvalidDimensions, segmentLength, MinSegmentLength)
	}
	if segmentCount*segmentLength > MaxCertificateBytes {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d",
			ErrInvalidDimensions, segmentCount*segmentLength, MaxCertificateBytes)
	}
	return nil
}

// SegmentCount returns the number of key segments.
func (c *Certificate) SegmentCount() int {
	return len(c.segments)
}

// SegmentLength returns the length of each segment in bytes.
func (c *Certificate) SegmentLength() int {
	if len(c.segments) == 0 {
		return 0
	}
	return len(c.segments[0])
}

// Segment returns a copy of the i-th key segment.
func (c *Certificate) Segment(i int) ([]byte, error) {
	if i < 0 || i >= len(c.segments) {
		return nil, fmt.Errorf("segment index %d out of range [0,%d)", i, len(c.segments))
	}
	return append([]byte(nil), c.segments[i]...), nil
}

// Fingerprint returns the hex SHA-256 over the certificate's dimensions
// and segment bytes. It is stable across processes and serves as the
// device identifier.
func (c *Certificate) Fingerprint() string {
	h := sha256.New()
	var dims [8]byte
	binary.BigEndian.PutUint32(dims[0:4], uint32(c.SegmentCount()))
	binary.BigEndian.PutUint32(dims[4:8], uint32(c.SegmentLength()))
	h.Write(dims[:])
	for _, seg := range c.segments {
		h.Write(seg)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Equal reports whether two certificates carry identical segments.
func (c *Certificate) Equal(other *Certificate) bool {
	if c == nil || other == nil {
		return c == other
	}
	if len(c.segments) != len(other.segments) {
		return false
	}
	for i := range c.segments {
		if !bytes.Equal(c.segments[i], other.segments[i]) {
			return false
		}
	}
	return true
}
