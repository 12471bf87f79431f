package cert

import (
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strconv"
)

// pemBlockType is the PEM block type for IOTSCP certificates.
const pemBlockType = "IOTSCP CERTIFICATE"

// PEM header names carrying the certificate dimensions.
const (
	headerSegmentCount  = "Segment-Count"
	headerSegmentLength = "Segment-Length"
)

// ErrInvalidPEM indicates data that is not a valid IOTSCP certificate
// PEM block.
var ErrInvalidPEM = errors.New("invalid certificate PEM data")

// EncodePEM encodes a certificate to PEM format. The block payload is
// the concatenated segment bytes; the dimensions travel as headers.
func EncodePEM(c *Certificate) []byte {
	payload := make([]byte, 0, c.SegmentCount()*c.SegmentLength())
	for i := 0; i < c.SegmentCount(); i++ {
		seg, _ := c.Segment(i)
		payload = append(payload, seg...)
	}
	return pem.EncodeToMemory(&pem.Block{
		Type: pemBlockType,
		Headers: map[string]string{
			headerSegmentCount:  strconv.Itoa(c.SegmentCount()),
			headerSegmentLength: strconv.Itoa(c.SegmentLength()),
		},
		Bytes: payload,
	})
}

// DecodePEM decodes a PEM-encoded certificate, validating that the
// payload matches the declared dimensions.
func DecodePEM(data []byte) (*Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, ErrInvalidPEM
	}

	count, err := strconv.Atoi(block.Headers[headerSegmentCount])
	if err != nil {
		return nil, fmt.Errorf("%w: bad %s header", ErrInvalidPEM, headerSegmentCount)
	}
	length, err := strconv.Atoi(block.Headers[headerSegmentLength])
	if err != nil {
		return nil, fmt.Errorf("%w: bad %s header", ErrInvalidPEM, headerSegmentLength)
	}
	if err := checkDimensions(count, length); err != nil {
		return nil, err
	}
	if len(block.Bytes) != count*length {
		return nil, fmt.Errorf("%w: payload is %d bytes, dimensions declare %d",
			ErrMalformedCertificate, len(block.Bytes), count*length)
	}

	segments := make([][]byte, count)
	for i := 0; i < count; i++ {
		segments[i] = block.Bytes[i*length : (i+1)*length]
	}
	return New(segments)
}

// WriteFile writes a certificate to a PEM file with restricted
// permissions.
func WriteFile(path string, c *Certificate) error {
	return os.WriteFile(path, EncodePEM(c), 0o600)
}

// ReadFile reads a certificate from a PEM file.
func ReadFile(path string) (*Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return DecodePEM(data)
}
