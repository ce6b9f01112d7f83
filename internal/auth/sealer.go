package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	sealerKeyIterations = 120000
	sealerSalt          = "bitriver-relay/session-bundle/v1"
)

var (
	// ErrSecretTooShort is returned when the configured session secret is too
	// weak to derive a sealing key from.
	ErrSecretTooShort = errors.New("session secret must be at least 16 characters")
	// ErrSealedPayload is returned when a sealed payload cannot be opened.
	ErrSealedPayload = errors.New("sealed payload invalid")
)

// Sealer encrypts session bundles at rest with XChaCha20-Poly1305.
type Sealer struct {
	key []byte
}

// NewSealer derives a sealing key from secret.
func NewSealer(secret string) (*Sealer, error) {
	if len(secret) < 16 {
		return nil, ErrSecretTooShort
	}
	key := pbkdf2.Key([]byte(secret), []byte(sealerSalt), sealerKeyIterations, chacha20poly1305.KeySize, sha256.New)
	return &Sealer{key: key}, nil
}

// NewEphemeralSealer uses a random key. Sessions sealed with it do not
// survive a restart.
func NewEphemeralSealer() (*Sealer, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate sealing key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext bound to aad. The nonce is prepended to the
// returned ciphertext.
func (s *Sealer) Seal(plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedPayload
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrSealedPayload
	}
	return plaintext, nil
}
