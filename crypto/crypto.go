// Package crypto seals credentials at rest with AES-256-GCM. Every sealed
// value is bound to a context string (provider and column) through the GCM
// additional data, so a ciphertext copied into another row or column fails
// to open.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrOpen is returned when a value fails authentication.
var ErrOpen = errors.New("decryption failed: authentication or integrity check failed")

// Sealer provides authenticated encryption with additional data.
type Sealer interface {
	// Seal returns nonce || ciphertext || tag.
	Seal(plaintext, aad []byte) ([]byte, error)
	// Open reverses Seal; aad must match.
	Open(sealed, aad []byte) ([]byte, error)
	// KeyID is a short fingerprint of the key, stored next to sealed values.
	KeyID() string
}

// AESGCM is a Sealer using a 256-bit key.
type AESGCM struct {
	aead  cipher.AEAD
	keyID string
}

// NewAESGCM creates a sealer from a base64-encoded 32-byte key, e.g. the
// output of `openssl rand -base64 32`.
func NewAESGCM(base64Key string) (*AESGCM, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	sum := sha256.Sum256(key)
	return &AESGCM{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// KeyID returns the first four bytes of the key's SHA-256, hex encoded.
func (a *AESGCM) KeyID() string { return a.keyID }

// Seal encrypts plaintext bound to aad.
func (a *AESGCM) Seal(plaintext, aad []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("plaintext is empty")
	}
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plaintext)+a.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open authenticates and decrypts a value produced by Seal with the same aad.
func (a *AESGCM) Open(sealed, aad []byte) ([]byte, error) {
	n := a.aead.NonceSize()
	if len(sealed) < n+a.aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n+a.aead.Overhead(), len(sealed))
	}
	plaintext, err := a.aead.Open(nil, sealed[:n], sealed[n:], aad)
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// TokenContext names the row and column a sealed token belongs to.
func TokenContext(provider, column string) string {
	return "oauth_tokens/" + provider + "/" + column
}

// SealString seals plaintext for context and base64-encodes it for a text
// column. Empty input stays empty.
func SealString(s Sealer, plaintext, context string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	b, err := s.Seal([]byte(plaintext), []byte(context))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// OpenString reverses SealString.
func OpenString(s Sealer, sealed, context string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	plaintext, err := s.Open(b, []byte(context))
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
