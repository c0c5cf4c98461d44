package msix

import (
	"io"
	"os"

	"github.com/veldra/msix/internal/keyfile"
)

// KeyStore holds decryption keys indexed by content identifier.
// Lookup is exact-match. A KeyStore is safe for concurrent reads once
// populated.
type KeyStore struct {
	store *keyfile.Store
}

// NewKeyStore returns an empty key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{store: keyfile.NewStore()}
}

// ParseKeyFile reads a keyfile from r.
func ParseKeyFile(r io.Reader) (*KeyStore, error) {
	store, err := keyfile.Parse(r)
	if err != nil {
		return nil, err
	}
	return &KeyStore{store: store}, nil
}

// OpenKeyFile reads a keyfile from disk.
func OpenKeyFile(path string) (*KeyStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseKeyFile(f)
}

// Add associates 32-byte key material with an identifier as it appears
// in keyfiles and block maps.
func (k *KeyStore) Add(id string, key []byte) error {
	parsed, err := keyfile.ParseKeyID(id)
	if err != nil {
		return err
	}
	return k.store.Add(parsed, key)
}

// AddTestKey registers the well-known global test key used by packaging
// tooling in test mode.
func (k *KeyStore) AddTestKey() {
	id, key := keyfile.TestKey()
	_ = k.store.Add(id, key) //nolint:errcheck // the embedded key has the right length
}

// Merge copies all associations from other.
func (k *KeyStore) Merge(other *KeyStore) {
	if other != nil {
		k.store.Merge(other.store)
	}
}

// Len returns the number of keys in the store.
func (k *KeyStore) Len() int {
	return k.store.Len()
}

// lookup resolves a raw block-map identifier to key material.
func (k *KeyStore) lookup(rawID string) ([]byte, error) {
	id, err := keyfile.ParseKeyID(rawID)
	if err != nil {
		return nil, err
	}
	return k.store.Lookup(id)
}
