package session

import (
	"fmt"

	"github.com/iotscp/iotscp-go/pkg/wire"
)

// Cipher applies one protection mode to message bodies. Seal and Open
// are inverses for the same key and aad.
type Cipher interface {
	// Mode reports the wire identifier of this cipher.
	Mode() wire.CipherMode

	// Seal protects plaintext. Sealed ciphers return the protected
	// body and a nil token; token ciphers return the plaintext body
	// and a checksum token.
	Seal(key SessionKey, plaintext, aad []byte) (body, token []byte, err error)

	// Open recovers the plaintext, returning ErrAuthentication when
	// the body or token does not verify against key and aad.
	Open(key SessionKey, body, token, aad []byte) ([]byte, error)
}

// ForMode returns the cipher implementing mode.
func ForMode(mode wire.CipherMode) (Cipher, error) {
	switch mode {
	case wire.ModeSealed:
		return SealedCipher{}, nil
	case wire.ModeToken:
		return TokenCipher{}, nil
	default:
		return nil, fmt.Errorf("unsupported cipher mode %d", uint8(mode))
	}
}

// SealedCipher encrypts and authenticates bodies with the session key.
// This is the default mode.
type SealedCipher struct{}

var _ Cipher = SealedCipher{}

func (SealedCipher) Mode() wire.CipherMode { return wire.ModeSealed }

func (SealedCipher) Seal(key SessionKey, plaintext, aad []byte) ([]byte, []byte, error) {
	body, err := key.Encrypt(plaintext, aad)
	if err != nil {
		return nil, nil, err
	}
	return body, nil, nil
}

func (SealedCipher) Open(key SessionKey, body, _, aad []byte) ([]byte, error) {
	return key.Decrypt(body, aad)
}

// TokenCipher leaves bodies readable and appends a keyed checksum over
// the aad and body. It exists for constrained peers that cannot afford
// encryption; the body is visible on the wire.
type TokenCipher struct{}

var _ Cipher = TokenCipher{}

func (TokenCipher) Mode() wire.CipherMode { return wire.ModeToken }

func (TokenCipher) Seal(key SessionKey, plaintext, aad []byte) ([]byte, []byte, error) {
	canonical := make([]byte, 0, len(aad)+len(plaintext))
	canonical = append(canonical, aad...)
	canonical = append(canonical, plaintext...)
	return plaintext, key.Sign(canonical), nil
}

func (TokenCipher) Open(key SessionKey, body, token, aad []byte) ([]byte, error) {
	canonical := make([]byte, 0, len(aad)+len(body))
	canonical = append(canonical, aad...)
	canonical = append(canonical, body...)
	if err := key.Verify(canonical, token); err != nil {
		return nil, err
	}
	return body, nil
}
