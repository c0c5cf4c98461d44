// Package xtscrypt implements the cipher layer of the package format:
// AES-128-XTS over 512-byte sectors, with per-file tweak values derived
// from the file path and the package full name.
package xtscrypt

import (
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/xts"

	"github.com/veldra/msix/internal/msixtype"
)

// publisherIDTable is the base32 alphabet used for publisher identifiers.
const publisherIDTable = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewCipher builds the XTS cipher for a 32-byte double key.
func NewCipher(key []byte) (*xts.Cipher, error) {
	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		return nil, fmt.Errorf("%w: cipher: %v", msixtype.ErrUnsupported, err)
	}
	return c, nil
}

// DecryptSectors decrypts data in place, sector by sector, with sequential
// sector numbers starting at firstSector. len(data) must be a multiple of
// the sector size.
func DecryptSectors(c *xts.Cipher, data []byte, firstSector uint64) error {
	if len(data)%msixtype.SectorSize != 0 {
		return fmt.Errorf("%w: ciphertext length %d is not sector aligned", msixtype.ErrStructure, len(data))
	}
	for off := 0; off < len(data); off += msixtype.SectorSize {
		sector := data[off : off+msixtype.SectorSize]
		c.Decrypt(sector, sector, firstSector+uint64(off/msixtype.SectorSize))
	}
	return nil
}

// FileTweak derives the base sector number for a file.
//
// The derivation hashes the backslash-separated file path (with a leading
// backslash) followed by the lowercase package full name, both as UTF-16LE,
// folds the SHA-256 result to 8 bytes by XOR, and reads it little-endian.
// Block k of the file then owns sector numbers
// FileTweak + k*SectorsPerBlock onward; arithmetic wraps at 64 bits.
func FileTweak(path, packageFullName string) uint64 {
	folded := foldHash(tweakHash(path, packageFullName))
	return binary.LittleEndian.Uint64(folded)
}

// tweakHash computes the SHA-256 the tweak is folded from.
func tweakHash(path, packageFullName string) []byte {
	if !strings.HasPrefix(path, `\`) {
		path = `\` + path
	}
	h := sha256.New()
	h.Write(utf16LEBytes(path))
	h.Write(utf16LEBytes(strings.ToLower(packageFullName)))
	return h.Sum(nil)
}

// foldHash XORs a hash down to its first 8 bytes, one 8-byte chunk at a
// time.
func foldHash(hash []byte) []byte {
	folded := make([]byte, 8)
	copy(folded, hash[:8])
	for off := 8; off+8 <= len(hash); off += 8 {
		for i := 0; i < 8; i++ {
			folded[i] ^= hash[off+i]
		}
	}
	return folded
}

// utf16LEBytes encodes a string as UTF-16LE without a BOM.
func utf16LEBytes(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[2*i:], u)
	}
	return out
}

// PublisherID derives the 13-character publisher identifier from a
// publisher distinguished name: the first 8 bytes of the SHA-256 of the
// UTF-16LE publisher string, zero-padded to 65 bits and encoded 5 bits at
// a time through the base32 table, lowercased.
func PublisherID(publisher string) string {
	sum := sha256.Sum256(utf16LEBytes(publisher))
	v := binary.BigEndian.Uint64(sum[:8])

	var b strings.Builder
	for i := 0; i < 12; i++ {
		idx := (v >> (64 - 5*(i+1))) & 0x1F
		b.WriteByte(publisherIDTable[idx])
	}
	// Final chunk: the low 4 bits plus one zero padding bit.
	b.WriteByte(publisherIDTable[(v&0xF)<<1])
	return strings.ToLower(b.String())
}

// FamilyName returns the package family name for an identity.
func FamilyName(name, publisher string) string {
	return name + "_" + PublisherID(publisher)
}
