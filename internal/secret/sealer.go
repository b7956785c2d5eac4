package secret

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"querybuilder/internal/domain"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "sealed:v1:"

// Sealer encrypts connection passwords with XChaCha20-Poly1305. Every Seal
// draws a fresh key and parks it in the store under a new reference, so
// only the sealed text is ever persisted next to the configuration.
type Sealer struct {
	store SecretStore
	rand  io.Reader
}

func NewSealer(store SecretStore) *Sealer {
	return &Sealer{store: store, rand: rand.Reader}
}

// IsSealed reports whether s carries the sealed envelope.
func IsSealed(s string) bool { return strings.HasPrefix(s, sealedPrefix) }

// Seal encrypts plaintext and returns the sealed text and its key reference.
func (s *Sealer) Seal(plaintext string) (sealed, keyRef string, err error) {
	if IsSealed(plaintext) {
		return "", "", fmt.Errorf("%w: value is already sealed", domain.ErrEncryption)
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(s.rand, key); err != nil {
		return "", "", fmt.Errorf("%w: generate key: %w", domain.ErrEncryption, err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", domain.ErrEncryption, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return "", "", fmt.Errorf("%w: generate nonce: %w", domain.ErrEncryption, err)
	}
	box := aead.Seal(nonce, nonce, []byte(plaintext), nil)

	keyRef = "conn-key-" + uuid.NewString()
	if err := s.store.Set(keyRef, key); err != nil {
		return "", "", fmt.Errorf("%w: store key: %w", domain.ErrEncryption, err)
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), keyRef, nil
}

// Open decrypts sealed text with the key stored under keyRef.
func (s *Sealer) Open(sealed, keyRef string) (string, error) {
	if !IsSealed(sealed) {
		return "", fmt.Errorf("%w: value is not sealed", domain.ErrEncryption)
	}
	box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: malformed sealed value: %w", domain.ErrEncryption, err)
	}
	key, err := s.store.Get(keyRef)
	if err != nil {
		return "", fmt.Errorf("%w: load key: %w", domain.ErrEncryption, err)
	}
	if len(key) == 0 {
		return "", fmt.Errorf("%w: key %q not found", domain.ErrEncryption, keyRef)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrEncryption, err)
	}
	if len(box) < aead.NonceSize() {
		return "", fmt.Errorf("%w: sealed value too short", domain.ErrEncryption)
	}
	nonce, ct := box[:aead.NonceSize()], box[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrEncryption, err)
	}
	return string(plain), nil
}

// Forget drops the key behind keyRef. Sealed values under it become unreadable.
func (s *Sealer) Forget(keyRef string) error {
	if keyRef == "" {
		return nil
	}
	return s.store.Delete(keyRef)
}
