package secret

import (
	"fmt"

	"querybuilder/internal/domain"
)

// SecretStore holds key material for sealed connection passwords. The
// default backend is the macOS Keychain; the memory backend serves tests
// and ephemeral sessions.
type SecretStore interface {
	// Set stores a secret value under the given key.
	Set(key string, value []byte) error

	// Get retrieves the secret value for the given key.
	// Returns empty slice and nil error if key does not exist.
	Get(key string) ([]byte, error)

	// Delete removes the secret for the given key.
	Delete(key string) error
}

// NewStore picks a backend by name.
func NewStore(backend string) (SecretStore, error) {
	switch backend {
	case "", "keychain":
		return NewKeychainStore(), nil
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown secrets backend %q", domain.ErrConfiguration, backend)
	}
}
