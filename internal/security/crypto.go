// Package security provides the injectable crypto strategies used by
// the cache and transport: content encryption, integrity checksums and
// device authentication tokens.
package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned when ciphertext fails authentication or is too
// short to carry a nonce.
var ErrDecrypt = errors.New("security: decryption failed")

// Encryptor transforms payloads at rest. Decrypt(Encrypt(p)) must return
// p exactly, byte for byte.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// AEAD encrypts with ChaCha20-Poly1305. The random nonce is prepended
// to the ciphertext.
type AEAD struct {
	key []byte
}

// NewAEAD creates an encryptor from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("security: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &AEAD{key: k}, nil
}

// Encrypt seals the plaintext under a fresh random nonce.
func (a *AEAD) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(a.key)
	if err != nil {
		return nil, fmt.Errorf("security: init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("security: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (a *AEAD) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(a.key)
	if err != nil {
		return nil, fmt.Errorf("security: init cipher: %w", err)
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Noop passes payloads through unchanged, for deployments that leave
// encryption to the platform keystore.
type Noop struct{}

func (Noop) Encrypt(p []byte) ([]byte, error) { return p, nil }
func (Noop) Decrypt(p []byte) ([]byte, error) { return p, nil }

// Checksum returns the hex BLAKE2b-256 digest of data. Computed over
// the original payload before compression or encryption, and verified
// after both are undone.
func Checksum(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
