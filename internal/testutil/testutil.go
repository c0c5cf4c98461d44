// Package testutil provides in-memory byte sources and synthetic
// container builders shared by tests across the module.
package testutil

import (
	"bytes"
	"crypto/aes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"strings"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/opencontainers/go-digest"
	"golang.org/x/crypto/xts"

	"github.com/veldra/msix/internal/msixtype"
	"github.com/veldra/msix/internal/xtscrypt"
)

// MockByteSource implements a simple in-memory byte source for tests.
type MockByteSource struct {
	data []byte
}

// NewMockByteSource returns a byte source backed by the provided data.
func NewMockByteSource(data []byte) *MockByteSource {
	return &MockByteSource{data: data}
}

// ReadAt implements io.ReaderAt semantics over the backing slice.
func (m *MockByteSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if off+int64(n) >= int64(len(m.data)) {
		return n, io.EOF
	}
	return n, nil
}

// Size returns the total size of the backing data.
func (m *MockByteSource) Size() int64 {
	return int64(len(m.data))
}

// Bytes returns the backing slice for tests that need to mutate data.
func (m *MockByteSource) Bytes() []byte {
	return m.data
}

// ZipWriter assembles a minimal container byte stream with exact control
// over entry layout. Entries use either stored or deflate packing.
type ZipWriter struct {
	buf     bytes.Buffer
	entries []zipEntry
}

type zipEntry struct {
	name      string
	method    uint16
	crc       uint32
	packed    uint32
	plain     uint32
	headerOff uint32
}

// NewZipWriter returns an empty container builder.
func NewZipWriter() *ZipWriter {
	return &ZipWriter{}
}

// AddStored appends a stored entry whose payload is data and whose
// declared uncompressed size and checksum describe plain. Encrypted
// entries pass ciphertext as data and plaintext metadata via plain;
// ordinary stored entries pass the same slice for both. It returns the
// byte offset of the entry's payload within the container.
func (w *ZipWriter) AddStored(name string, data, plain []byte) int64 {
	return w.add(name, 0, data, plain)
}

// AddDeflate appends a deflate-packed entry holding plain.
func (w *ZipWriter) AddDeflate(name string, plain []byte) int64 {
	var packed bytes.Buffer
	fw, _ := flate.NewWriter(&packed, flate.DefaultCompression)
	fw.Write(plain)
	fw.Close()
	return w.add(name, 8, packed.Bytes(), plain)
}

func (w *ZipWriter) add(name string, method uint16, data, plain []byte) int64 {
	e := zipEntry{
		name:      name,
		method:    method,
		crc:       crc32.ChecksumIEEE(plain),
		packed:    uint32(len(data)),
		plain:     uint32(len(plain)),
		headerOff: uint32(w.buf.Len()),
	}
	w.entries = append(w.entries, e)

	var h [30]byte
	binary.LittleEndian.PutUint32(h[0:], 0x04034b50)
	binary.LittleEndian.PutUint16(h[4:], 20)
	binary.LittleEndian.PutUint16(h[8:], method)
	binary.LittleEndian.PutUint32(h[14:], e.crc)
	binary.LittleEndian.PutUint32(h[18:], e.packed)
	binary.LittleEndian.PutUint32(h[22:], e.plain)
	binary.LittleEndian.PutUint16(h[26:], uint16(len(name)))
	w.buf.Write(h[:])
	w.buf.WriteString(name)

	off := int64(w.buf.Len())
	w.buf.Write(data)
	return off
}

// Bytes finalizes the container and returns its full byte stream.
func (w *ZipWriter) Bytes() []byte {
	var out bytes.Buffer
	out.Write(w.buf.Bytes())

	dirOff := uint32(out.Len())
	for _, e := range w.entries {
		var h [46]byte
		binary.LittleEndian.PutUint32(h[0:], 0x02014b50)
		binary.LittleEndian.PutUint16(h[4:], 20)
		binary.LittleEndian.PutUint16(h[6:], 20)
		binary.LittleEndian.PutUint16(h[10:], e.method)
		binary.LittleEndian.PutUint32(h[16:], e.crc)
		binary.LittleEndian.PutUint32(h[20:], e.packed)
		binary.LittleEndian.PutUint32(h[24:], e.plain)
		binary.LittleEndian.PutUint16(h[28:], uint16(len(e.name)))
		binary.LittleEndian.PutUint32(h[42:], e.headerOff)
		out.Write(h[:])
		out.WriteString(e.name)
	}
	dirSize := uint32(out.Len()) - dirOff

	var eocd [22]byte
	binary.LittleEndian.PutUint32(eocd[0:], 0x06054b50)
	binary.LittleEndian.PutUint16(eocd[8:], uint16(len(w.entries)))
	binary.LittleEndian.PutUint16(eocd[10:], uint16(len(w.entries)))
	binary.LittleEndian.PutUint32(eocd[12:], dirSize)
	binary.LittleEndian.PutUint32(eocd[16:], dirOff)
	out.Write(eocd[:])
	return out.Bytes()
}

// FileSpec describes one payload file of a synthetic package.
type FileSpec struct {
	// Name is the backslash-separated path used in the block map.
	Name string

	Data []byte

	// KeyID marks the file encrypted with the key registered under that
	// identifier in the builder; empty means plain.
	KeyID string

	// Compressed deflate-packs the blocks of an encrypted file before
	// encryption. It is ignored for plain files.
	Compressed bool

	// OmitFileHash drops the whole-file digest from the block map.
	OmitFileHash bool
}

// PackageBuilder assembles a complete synthetic package container.
type PackageBuilder struct {
	// Name and Publisher form the manifest identity. Zero values fall
	// back to TestApp / CN=SomeCommonName.
	Name      string
	Publisher string
	Version   string

	Files []FileSpec

	keys map[string][]byte
}

// WithKey registers a 32-byte key under an identifier for encrypting
// files whose spec names it.
func (b *PackageBuilder) WithKey(id string, key []byte) *PackageBuilder {
	if b.keys == nil {
		b.keys = make(map[string][]byte)
	}
	b.keys[id] = key
	return b
}

func (b *PackageBuilder) identity() (name, publisher, version string) {
	name, publisher, version = b.Name, b.Publisher, b.Version
	if name == "" {
		name = "TestApp"
	}
	if publisher == "" {
		publisher = "CN=SomeCommonName"
	}
	if version == "" {
		version = "1.0.0.0"
	}
	return name, publisher, version
}

// FullName returns the package full name the builder embeds in the
// block map.
func (b *PackageBuilder) FullName() string {
	name, publisher, version := b.identity()
	return fmt.Sprintf("%s_%s_x64__%s", name, version, xtscrypt.PublisherID(publisher))
}

// Build returns the package container bytes.
func (b *PackageBuilder) Build(t *testing.T) []byte {
	t.Helper()

	name, publisher, version := b.identity()
	pfn := b.FullName()

	manifest := fmt.Sprintf(
		`<Package><Identity Name=%q Publisher=%q Version=%q ProcessorArchitecture="x64"/></Package>`,
		name, publisher, version)

	var bm strings.Builder
	fmt.Fprintf(&bm, `<BlockMap HashMethod=%q PackageFullName=%q>`,
		"http://www.w3.org/2001/04/xmlenc#sha256", pfn)

	w := NewZipWriter()
	w.AddDeflate("AppxManifest.xml", []byte(manifest))

	for _, f := range b.Files {
		entryName := strings.TrimPrefix(strings.ReplaceAll(f.Name, `\`, "/"), "/")
		// Block-map names keep their backslashes verbatim; %q would
		// double them.
		attrs := fmt.Sprintf(`Name="%s" Size="%d"`, f.Name, len(f.Data))
		if f.KeyID != "" {
			key, ok := b.keys[f.KeyID]
			if !ok {
				t.Fatalf("no key registered for id %s", f.KeyID)
			}
			if f.Compressed {
				attrs += ` Compressed="true"`
			}
			attrs += fmt.Sprintf(` KeyId=%q`, f.KeyID)

			payload, blocks := encryptFile(t, f, pfn, key)
			fmt.Fprintf(&bm, `<File %s>%s`, attrs, blocks)
			if !f.OmitFileHash {
				fmt.Fprintf(&bm, `<FileHash Hash=%q/>`, hashB64(f.Data))
			}
			bm.WriteString(`</File>`)
			w.AddStored(entryName, payload, f.Data)
			continue
		}

		var blocks strings.Builder
		for _, chunk := range splitBlocks(f.Data) {
			fmt.Fprintf(&blocks, `<Block Hash=%q Size="%d"/>`, hashB64(chunk), len(chunk))
		}
		fmt.Fprintf(&bm, `<File %s>%s`, attrs, blocks.String())
		if !f.OmitFileHash {
			fmt.Fprintf(&bm, `<FileHash Hash=%q/>`, hashB64(f.Data))
		}
		bm.WriteString(`</File>`)
		w.AddDeflate(entryName, f.Data)
	}
	bm.WriteString(`</BlockMap>`)

	w.AddDeflate("AppxBlockMap.xml", []byte(bm.String()))
	return w.Bytes()
}

// encryptFile packs and encrypts payload data and renders its Block
// elements.
func encryptFile(t *testing.T, f FileSpec, pfn string, key []byte) ([]byte, string) {
	t.Helper()

	c, err := xts.NewCipher(aes.NewCipher, key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	tweak := xtscrypt.FileTweak(f.Name, pfn)

	var payload bytes.Buffer
	var blocks strings.Builder
	for k, chunk := range splitBlocks(f.Data) {
		packed := chunk
		if f.Compressed {
			var pb bytes.Buffer
			fw, _ := flate.NewWriter(&pb, flate.DefaultCompression)
			fw.Write(chunk)
			fw.Close()
			packed = pb.Bytes()
		}
		fmt.Fprintf(&blocks, `<Block Hash=%q Size="%d"/>`, hashB64(chunk), len(packed))

		sectors := make([]byte, msixtype.AlignToSector(len(packed)))
		copy(sectors, packed)
		for off := 0; off < len(sectors); off += msixtype.SectorSize {
			n := tweak + uint64(k)*msixtype.SectorsPerBlock + uint64(off/msixtype.SectorSize)
			c.Encrypt(sectors[off:off+msixtype.SectorSize], sectors[off:off+msixtype.SectorSize], n)
		}
		payload.Write(sectors)
	}
	return payload.Bytes(), blocks.String()
}

// splitBlocks cuts data into 64 KiB chunks. Empty data yields no chunks.
func splitBlocks(data []byte) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := len(data)
		if n > msixtype.BlockSize {
			n = msixtype.BlockSize
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// hashB64 returns the base64 SHA-256 of data, as block maps carry it.
func hashB64(data []byte) string {
	d := digest.FromBytes(data)
	raw, _ := hex.DecodeString(d.Encoded())
	return base64.StdEncoding.EncodeToString(raw)
}

// ChildSpec describes one package inside a synthetic bundle.
type ChildSpec struct {
	FileName     string
	Architecture string
	ResourceID   string
	Type         string
	Data         []byte
}

// BundleBuilder assembles a bundle container holding prebuilt child
// package blobs.
type BundleBuilder struct {
	Name      string
	Publisher string
	Version   string

	Children []ChildSpec

	// BadRange widens the declared size of the named child beyond the
	// bundle's length, for structural failure tests.
	BadRange string
}

// Build returns the bundle container bytes.
func (b *BundleBuilder) Build(t *testing.T) []byte {
	t.Helper()

	name, publisher, version := b.Name, b.Publisher, b.Version
	if name == "" {
		name = "TestBundle"
	}
	if publisher == "" {
		publisher = "CN=SomeCommonName"
	}
	if version == "" {
		version = "1.0.0.0"
	}

	w := NewZipWriter()
	type placed struct {
		spec ChildSpec
		off  int64
	}
	var children []placed
	for _, c := range b.Children {
		off := w.AddStored(c.FileName, c.Data, c.Data)
		children = append(children, placed{spec: c, off: off})
	}

	var bm strings.Builder
	fmt.Fprintf(&bm, `<Bundle><Identity Name=%q Publisher=%q Version=%q/><Packages>`,
		name, publisher, version)
	for _, c := range children {
		size := int64(len(c.spec.Data))
		if b.BadRange == c.spec.FileName {
			size = 1 << 40
		}
		fmt.Fprintf(&bm, `<Package FileName=%q Offset="%d" Size="%d"`, c.spec.FileName, c.off, size)
		if c.spec.Architecture != "" {
			fmt.Fprintf(&bm, ` Architecture=%q`, c.spec.Architecture)
		}
		if c.spec.ResourceID != "" {
			fmt.Fprintf(&bm, ` ResourceId=%q`, c.spec.ResourceID)
		}
		if c.spec.Type != "" {
			fmt.Fprintf(&bm, ` Type=%q`, c.spec.Type)
		}
		bm.WriteString(`/>`)
	}
	bm.WriteString(`</Packages></Bundle>`)

	w.AddDeflate("AppxMetadata/AppxBundleManifest.xml", []byte(bm.String()))
	return w.Bytes()
}
