package session

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/iotscp/iotscp-go/pkg/cert"
)

// KeySize is the size of a derived session key in bytes.
const KeySize = 32

// TokenSize is the size of a token-mode checksum in bytes.
const TokenSize = sha256.Size

// DefaultNonceSize is the size of the exchange nonce a host generates
// for the hello.
const DefaultNonceSize = 16

// keyInfo is the HKDF info prefix binding derived keys to this protocol
// version. The raw offset value is appended so distinct offsets yield
// distinct keys even when they select the same segment.
var keyInfo = []byte("iotscp session key v1")

// Key derivation and authentication errors.
var (
	// ErrNilCertificate indicates key derivation against a missing or
	// empty certificate.
	ErrNilCertificate = errors.New("nil or empty certificate")

	// ErrAuthentication indicates a message that failed to decrypt or
	// verify. The message is discarded, never retried with a weaker
	// check.
	ErrAuthentication = errors.New("message authentication failed")
)

// SessionKey is ephemeral key material for one session between a host
// and a device. Never shared across connections.
type SessionKey [KeySize]byte

// DeriveSessionKey derives the session key for (certificate, offset,
// nonce). The offset selects a segment modulo the segment count; the
// derivation also binds the raw offset value, so every distinct offset
// produces an unrelated key.
func DeriveSessionKey(c *cert.Certificate, offset uint32, nonce []byte) (SessionKey, error) {
	var key SessionKey
	if c == nil || c.SegmentCount() == 0 {
		return key, ErrNilCertificate
	}

	segment, err := c.Segment(int(offset % uint32(c.SegmentCount())))
	if err != nil {
		return key, fmt.Errorf("selecting key segment: %w", err)
	}

	info := make([]byte, 0, len(keyInfo)+4)
	info = append(info, keyInfo...)
	info = binary.BigEndian.AppendUint32(info, offset)

	reader := hkdf.New(sha256.New, segment, nonce, info)
	if _, err := io.ReadFull(reader, key[:]); err != nil {
		return key, fmt.Errorf("deriving session key: %w", err)
	}
	return key, nil
}

// NewNonce returns a fresh random exchange nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, DefaultNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("reading nonce: %w", err)
	}
	return nonce, nil
}

// Encrypt seals plaintext with ChaCha20-Poly1305 under this key. The
// random AEAD nonce is prepended to the returned ciphertext; aad is
// authenticated but not encrypted.
func (k SessionKey) Encrypt(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("reading cipher nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt opens ciphertext produced by Encrypt. Any tampering with the
// ciphertext or aad yields ErrAuthentication.
func (k SessionKey) Decrypt(ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrAuthentication
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plaintext, nil
}

// Sign computes the token-mode checksum over canonical bytes.
func (k SessionKey) Sign(canonical []byte) []byte {
	mac := hmac.New(sha256.New, k[:])
	mac.Write(canonical)
	return mac.Sum(nil)
}

// Verify checks a token-mode checksum in constant time.
func (k SessionKey) Verify(canonical, sum []byte) error {
	if !hmac.Equal(k.Sign(canonical), sum) {
		return ErrAuthentication
	}
	return nil
}
