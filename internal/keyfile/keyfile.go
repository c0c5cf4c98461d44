// Package keyfile parses the external keyfile format that pairs content
// identifiers with symmetric key material, and exposes exact-match lookup.
//
// The format is line oriented:
//
//	[Keys]
//	"base64-key-id" "base64-or-hex-key"
//
// Key identifiers are GUID pairs (32 bytes, little-endian GUID encoding) or
// a single GUID (16 bytes) that gets a fixed prefix, or a bare decimal
// number. Key material must decode to exactly 32 bytes: the double key of
// the AES-128-XTS cipher this format uses. Anything else is rejected here,
// before it can reach the decryption engine.
package keyfile

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/veldra/msix/internal/msixtype"
)

// KeyLength is the required decoded key length in bytes.
const KeyLength = 32

// shortIDPrefix is prepended to 16-byte key identifiers to form the full
// GUID pair.
var shortIDPrefix = uuid.MustParse("BB1755DB-5052-4B10-B2AB-F3ABF5CA5B41")

// Sentinels wrapped by this package.
var (
	ErrFormat      = msixtype.ErrFormat
	ErrKeyNotFound = msixtype.ErrKeyNotFound
)

// KeyID is the canonical form of a content identifier: two lowercase GUIDs
// joined by a colon, or a bare decimal for numeric identifiers. Comparison
// is exact.
type KeyID string

// ParseKeyID canonicalizes an identifier as found in keyfiles and block
// maps: base64 of 16 or 32 bytes, or a decimal number.
func ParseKeyID(s string) (KeyID, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && (len(raw) == 16 || len(raw) == 32) {
		return keyIDFromBytes(raw)
	}
	if n, err := strconv.ParseUint(s, 10, 16); err == nil {
		return KeyID(strconv.FormatUint(n, 10)), nil
	}
	return "", fmt.Errorf("%w: key id %q is neither a base64 GUID nor numeric", ErrFormat, s)
}

func keyIDFromBytes(raw []byte) (KeyID, error) {
	switch len(raw) {
	case 16:
		return KeyID(shortIDPrefix.String() + ":" + guidFromLE(raw).String()), nil
	case 32:
		return KeyID(guidFromLE(raw[:16]).String() + ":" + guidFromLE(raw[16:]).String()), nil
	default:
		return "", fmt.Errorf("%w: key id is %d bytes, want 16 or 32", ErrFormat, len(raw))
	}
}

// guidFromLE converts the on-disk little-endian GUID encoding (mixed-endian
// per the Windows convention) to a uuid value.
func guidFromLE(b []byte) uuid.UUID {
	var g uuid.UUID
	binary.BigEndian.PutUint32(g[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(g[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(g[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(g[8:], b[8:16])
	return g
}

// Store maps content identifiers to key material. Safe for concurrent
// reads once built.
type Store struct {
	keys map[KeyID][]byte
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{keys: make(map[KeyID][]byte)}
}

// Parse reads a keyfile. A later entry for an identifier already seen
// replaces the earlier one.
func Parse(r io.Reader) (*Store, error) {
	s := NewStore()

	scanner := bufio.NewScanner(r)
	sawMagic := false
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if !sawMagic {
			if text != "[Keys]" {
				return nil, fmt.Errorf("%w: keyfile: expected [Keys] magic, got %q", ErrFormat, text)
			}
			sawMagic = true
			continue
		}
		if !strings.HasPrefix(text, `"`) {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: keyfile line %d: want two quoted fields, got %d", ErrFormat, line, len(fields))
		}
		id, err := ParseKeyID(strings.Trim(fields[0], `"`))
		if err != nil {
			return nil, fmt.Errorf("keyfile line %d: %w", line, err)
		}
		key, err := decodeKey(strings.Trim(fields[1], `"`))
		if err != nil {
			return nil, fmt.Errorf("keyfile line %d: %w", line, err)
		}
		s.keys[id] = key
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("keyfile: %w", err)
	}
	if !sawMagic {
		return nil, fmt.Errorf("%w: keyfile: empty input", ErrFormat)
	}
	return s, nil
}

// decodeKey accepts base64 first, then hex, and enforces the cipher's key
// length so malformed keys never produce silently-wrong plaintext. A
// 64-character hex key is also syntactically valid base64 (of the wrong
// length), so the hex fallback applies whenever base64 does not yield
// exactly KeyLength bytes.
func decodeKey(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil && len(raw) == KeyLength {
		return raw, nil
	}
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == KeyLength {
		return raw, nil
	}
	return nil, fmt.Errorf("%w: key is not %d bytes of base64 or hex", ErrFormat, KeyLength)
}

// Add associates key material with an identifier, replacing any previous
// association. The key must be KeyLength bytes.
func (s *Store) Add(id KeyID, key []byte) error {
	if len(key) != KeyLength {
		return fmt.Errorf("%w: key is %d bytes, want %d", ErrFormat, len(key), KeyLength)
	}
	s.keys[id] = key
	return nil
}

// Merge copies all associations from other into s.
func (s *Store) Merge(other *Store) {
	for id, key := range other.keys {
		s.keys[id] = key
	}
}

// Lookup returns the key material for an identifier.
func (s *Store) Lookup(id KeyID) ([]byte, error) {
	key, ok := s.keys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return key, nil
}

// Len returns the number of associations in the store.
func (s *Store) Len() int {
	return len(s.keys)
}

// TestKey returns the well-known global test key used by the packaging
// tooling's test mode.
func TestKey() (KeyID, []byte) {
	id := KeyID("ddafcf67-7b2c-086d-302b-8adac1bdd3a7:7d53aeb8-5922-f062-b1d7-7e09f5a187a0")
	key, _ := hex.DecodeString("9fe75f879e95a5d7f3715c30fce71067fc346efd680fa25e3c737d76acb72b9d")
	return id, key
}
