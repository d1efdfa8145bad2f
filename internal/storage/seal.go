package storage

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Sealer errors.
var (
	ErrNoKey       = errors.New("encryption key is required")
	ErrKeyMismatch = errors.New("value was sealed with a different key")
	ErrCorrupt     = errors.New("sealed value is corrupt")
)

const (
	hkdfSalt = "seedvault"
	hkdfInfo = "secret-values/v1"
)

// Sealer encrypts secret values at rest with XChaCha20-Poly1305. The AEAD
// key is derived from the operator key with HKDF-SHA256, and the secret
// name is bound as additional data so a row cannot be swapped under
// another name.
type Sealer struct {
	aead  cipher.AEAD
	keyID string
}

// NewSealer derives a sealing key from key.
func NewSealer(key string) (*Sealer, error) {
	if key == "" {
		return nil, ErrNoKey
	}
	derived := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(key), []byte(hkdfSalt), []byte(hkdfInfo)), derived); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	sum := sha256.Sum256(derived)
	return &Sealer{aead: aead, keyID: hex.EncodeToString(sum[:4])}, nil
}

// KeyID is a short fingerprint of the derived key, stored next to each
// sealed value to detect key changes.
func (s *Sealer) KeyID() string { return s.keyID }

// Seal encrypts plaintext for name. The output is nonce || ciphertext.
func (s *Sealer) Seal(name string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(name)), nil
}

// Open decrypts a value sealed for name.
func (s *Sealer) Open(name, keyID string, sealed []byte) ([]byte, error) {
	if keyID != "" && keyID != s.keyID {
		return nil, fmt.Errorf("%w (stored %s, current %s)", ErrKeyMismatch, keyID, s.keyID)
	}
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, ErrCorrupt
	}
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], []byte(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, name)
	}
	return plaintext, nil
}
