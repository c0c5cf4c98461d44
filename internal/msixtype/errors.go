// Package msixtype holds types and sentinel errors shared across the
// msix internal packages and re-exported by the public API.
package msixtype

import "errors"

// Sentinel errors forming the package error taxonomy.
var (
	// ErrStructure is returned when container bytes violate the ZIP-family
	// layout contract (bad signatures, offsets outside the stream, entry
	// count mismatches).
	ErrStructure = errors.New("msix: structural error")

	// ErrFormat is returned when block map, bundle manifest, or keyfile
	// bytes violate their schema.
	ErrFormat = errors.New("msix: format error")

	// ErrKeyNotFound is returned when no key entry exists for a required
	// content identifier.
	ErrKeyNotFound = errors.New("msix: key not found")

	// ErrIntegrity is returned when decrypted or decompressed content fails
	// block or whole-file hash verification.
	ErrIntegrity = errors.New("msix: integrity verification failed")

	// ErrUnsupported is returned for a declared compression method, cipher,
	// or format version the engine does not implement.
	ErrUnsupported = errors.New("msix: unsupported feature")
)
