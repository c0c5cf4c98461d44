// Package blockmap parses the block-map descriptor embedded in app package
// containers. The descriptor records, per logical file, the ordered block
// sequence that the decryption engine walks: packed length and plaintext
// hash per block, plus an optional whole-file hash.
package blockmap

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/veldra/msix/internal/msixtype"
)

// EntryName is the well-known container path of the block map descriptor.
const EntryName = "AppxBlockMap.xml"

// HashMethodSHA256 is the only hash method this engine implements.
const HashMethodSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"

// ErrFormat is the sentinel wrapped by all schema violations.
var ErrFormat = msixtype.ErrFormat

// Block is one fixed-size slice of a logical file.
type Block struct {
	// Hash is the SHA-256 digest of the block's plaintext.
	Hash digest.Digest

	// PackedSize is the stored byte length of the block before encryption
	// (the compressed length for compressed files, the plaintext length
	// otherwise).
	PackedSize uint32
}

// File is the block sequence for one logical file.
type File struct {
	// Name is the path as authored in the descriptor, with backslash
	// separators. NormalizedName converts it to catalog form.
	Name string

	// Size is the total plaintext length in bytes.
	Size uint64

	// KeyID is the raw content-identifier attribute, empty for files that
	// are not encrypted. Resolution against a key store happens upstream.
	KeyID string

	// Compressed reports whether block plaintext is raw-deflate packed
	// before encryption.
	Compressed bool

	// FileHash is the SHA-256 digest of the whole plaintext, empty when
	// the descriptor does not carry one.
	FileHash digest.Digest

	Blocks []Block
}

// Encrypted reports whether the file carries a key association.
func (f *File) Encrypted() bool {
	return f.KeyID != ""
}

// PlainSize returns the plaintext length of block i.
func (f *File) PlainSize(i int) int {
	remaining := f.Size - uint64(i)*msixtype.BlockSize
	if remaining > msixtype.BlockSize {
		return msixtype.BlockSize
	}
	return int(remaining)
}

// StoredSize returns the byte length block i occupies in the container
// entry: sector-aligned for encrypted files, the packed size otherwise.
func (f *File) StoredSize(i int) int {
	packed := int(f.Blocks[i].PackedSize)
	if f.Encrypted() {
		return msixtype.AlignToSector(packed)
	}
	return packed
}

// BlockMap is the parsed descriptor.
type BlockMap struct {
	// PackageFullName seeds per-file tweak derivation; required when any
	// file is encrypted.
	PackageFullName string

	Files []*File

	byName map[string]*File
}

// Lookup returns the block-map entry for a normalized container path.
func (bm *BlockMap) Lookup(name string) (*File, bool) {
	f, ok := bm.byName[name]
	return f, ok
}

// Len returns the number of files in the descriptor.
func (bm *BlockMap) Len() int {
	return len(bm.Files)
}

// raw XML shapes. Pointer attributes distinguish missing from zero.
type xmlBlockMap struct {
	XMLName         xml.Name      `xml:"BlockMap"`
	HashMethod      *string       `xml:"HashMethod,attr"`
	PackageFullName string        `xml:"PackageFullName,attr"`
	Files           []xmlFileElem `xml:"File"`
}

type xmlFileElem struct {
	Name       *string       `xml:"Name,attr"`
	Size       *uint64       `xml:"Size,attr"`
	KeyID      string        `xml:"KeyId,attr"`
	Compressed bool          `xml:"Compressed,attr"`
	FileHash   *xmlHashElem  `xml:"FileHash"`
	Blocks     []xmlHashElem `xml:"Block"`
}

type xmlHashElem struct {
	Hash *string `xml:"Hash,attr"`
	Size *uint32 `xml:"Size,attr"`
}

// Parse decodes and validates a block-map descriptor.
//
// Attribute order is irrelevant, but every required attribute must be
// present and every declared invariant must hold: 32-byte hashes, block
// counts matching the declared file size, packed sizes that fit the
// per-block sector allotment.
func Parse(data []byte) (*BlockMap, error) {
	var raw xmlBlockMap
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: block map: %v", ErrFormat, err)
	}
	if raw.HashMethod == nil {
		return nil, fmt.Errorf("%w: block map: missing HashMethod", ErrFormat)
	}
	if *raw.HashMethod != HashMethodSHA256 {
		return nil, fmt.Errorf("%w: block map hash method %q", msixtype.ErrUnsupported, *raw.HashMethod)
	}

	bm := &BlockMap{
		PackageFullName: raw.PackageFullName,
		byName:          make(map[string]*File, len(raw.Files)),
	}
	for i, rf := range raw.Files {
		f, err := parseFile(i, rf)
		if err != nil {
			return nil, err
		}
		if f.Encrypted() && bm.PackageFullName == "" {
			return nil, fmt.Errorf("%w: block map: file %q is encrypted but PackageFullName is missing", ErrFormat, f.Name)
		}
		normalized := NormalizedName(f.Name)
		if _, dup := bm.byName[normalized]; dup {
			return nil, fmt.Errorf("%w: block map: duplicate file %q", ErrFormat, f.Name)
		}
		bm.Files = append(bm.Files, f)
		bm.byName[normalized] = f
	}
	return bm, nil
}

func parseFile(index int, rf xmlFileElem) (*File, error) {
	if rf.Name == nil || *rf.Name == "" {
		return nil, fmt.Errorf("%w: block map: file %d: missing Name", ErrFormat, index)
	}
	name := *rf.Name
	if rf.Size == nil {
		return nil, fmt.Errorf("%w: block map: file %q: missing Size", ErrFormat, name)
	}

	f := &File{
		Name:       name,
		Size:       *rf.Size,
		KeyID:      rf.KeyID,
		Compressed: rf.Compressed,
	}

	wantBlocks := int((f.Size + msixtype.BlockSize - 1) / msixtype.BlockSize)
	if len(rf.Blocks) != wantBlocks {
		return nil, fmt.Errorf("%w: block map: file %q: %d blocks for %d bytes, want %d",
			ErrFormat, name, len(rf.Blocks), f.Size, wantBlocks)
	}

	f.Blocks = make([]Block, len(rf.Blocks))
	for i, rb := range rf.Blocks {
		if rb.Hash == nil {
			return nil, fmt.Errorf("%w: block map: file %q: block %d: missing Hash", ErrFormat, name, i)
		}
		h, err := decodeHash(*rb.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: block map: file %q: block %d: %v", ErrFormat, name, i, err)
		}

		plain := f.PlainSize(i)
		packed := uint32(plain)
		if rb.Size != nil {
			packed = *rb.Size
		}
		if packed == 0 || packed > msixtype.BlockSize {
			return nil, fmt.Errorf("%w: block map: file %q: block %d: packed size %d outside (0, %d]",
				ErrFormat, name, i, packed, msixtype.BlockSize)
		}
		if !f.Compressed && int(packed) != plain {
			return nil, fmt.Errorf("%w: block map: file %q: block %d: packed size %d but uncompressed block is %d bytes",
				ErrFormat, name, i, packed, plain)
		}
		f.Blocks[i] = Block{Hash: h, PackedSize: packed}
	}

	if rf.FileHash != nil {
		if rf.FileHash.Hash == nil {
			return nil, fmt.Errorf("%w: block map: file %q: FileHash missing Hash", ErrFormat, name)
		}
		h, err := decodeHash(*rf.FileHash.Hash)
		if err != nil {
			return nil, fmt.Errorf("%w: block map: file %q: FileHash: %v", ErrFormat, name, err)
		}
		f.FileHash = h
	}
	return f, nil
}

// NormalizedName converts a block-map file name (backslash separators) to
// the container catalog form.
func NormalizedName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		if name[i] == '\\' {
			out[i] = '/'
		} else {
			out[i] = name[i]
		}
	}
	s := string(out)
	for len(s) > 0 && s[0] == '/' {
		s = s[1:]
	}
	return s
}

// decodeHash converts a base64 SHA-256 attribute to a digest value.
func decodeHash(s string) (digest.Digest, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("hash is not base64: %v", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("hash is %d bytes, want 32", len(raw))
	}
	return digest.NewDigestFromEncoded(digest.SHA256, hex.EncodeToString(raw)), nil
}
