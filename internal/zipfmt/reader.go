// Package zipfmt reads the ZIP-family container structure used by app
// package files: end-of-central-directory record, central directory, local
// file headers, and the Zip64 extensions.
//
// The reader builds a random-access catalog of entries and never attempts
// best-effort repair: any offset or count that disagrees with the stream is
// a structural error.
package zipfmt

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/veldra/msix/internal/msixtype"
)

// ErrStructure is the sentinel wrapped by all layout violations.
var ErrStructure = msixtype.ErrStructure

// ByteSource provides random access to the container bytes.
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// Entry describes one file in the container catalog.
type Entry struct {
	// Name is the normalized entry path: forward slashes, no leading slash.
	// Lookup is exact and case-sensitive.
	Name string

	// Method is the declared compression method (MethodStore or MethodDeflate).
	Method uint16

	CompressedSize   uint64
	UncompressedSize uint64
	CRC32            uint32

	localHeaderOff uint64
}

// Reader is a random-access catalog over an open container.
type Reader struct {
	src     ByteSource
	size    int64
	entries []*Entry
	byName  map[string]*Entry
}

// NormalizeName converts a container path to catalog form: backslashes
// become forward slashes and leading slashes are stripped.
func NormalizeName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	return strings.TrimLeft(name, "/")
}

// OpenReader parses the container structure from src.
//
// The end-of-central-directory record is located by scanning backward from
// the end of the stream (a variable-length comment may follow it), then the
// central directory it points to is walked in full. Declared sizes and
// offsets that fall outside the stream fail with a structural error.
func OpenReader(src ByteSource) (*Reader, error) {
	r := &Reader{
		src:    src,
		size:   src.Size(),
		byName: make(map[string]*Entry),
	}

	end, err := r.findEndOfCentralDir()
	if err != nil {
		return nil, err
	}
	if end.diskNumber != 0 && end.diskNumber != sentinel16 {
		return nil, fmt.Errorf("%w: multi-disk archives are not supported", msixtype.ErrUnsupported)
	}
	if err := r.readCentralDir(end); err != nil {
		return nil, err
	}
	return r, nil
}

// Entries returns all catalog entries in central directory order.
func (r *Reader) Entries() []*Entry {
	return r.entries
}

// Entry returns the catalog entry for the given normalized name.
func (r *Reader) Entry(name string) (*Entry, bool) {
	e, ok := r.byName[NormalizeName(name)]
	return e, ok
}

// Size returns the total byte length of the container stream.
func (r *Reader) Size() int64 {
	return r.size
}

// Source returns the underlying byte source.
func (r *Reader) Source() ByteSource {
	return r.src
}

// DataSection returns a section reader over the entry's raw stored bytes
// (still compressed and, for protected files, still encrypted). Each call
// returns an independent cursor, safe for concurrent use.
func (r *Reader) DataSection(e *Entry) (*io.SectionReader, error) {
	off, err := r.dataOffset(e)
	if err != nil {
		return nil, err
	}
	return io.NewSectionReader(r.src, off, int64(e.CompressedSize)), nil
}

// Open returns a reader over the entry's bytes decompressed via the
// container's declared method and verified against the entry CRC-32 on
// Close (and on EOF).
func (r *Reader) Open(e *Entry) (io.ReadCloser, error) {
	section, err := r.DataSection(e)
	if err != nil {
		return nil, err
	}

	var rc io.ReadCloser
	switch e.Method {
	case MethodStore:
		rc = io.NopCloser(section)
	case MethodDeflate:
		rc = flate.NewReader(section)
	default:
		return nil, fmt.Errorf("%w: compression method %d", msixtype.ErrUnsupported, e.Method)
	}

	return &checksumReader{
		rc:   rc,
		hash: crc32.NewIEEE(),
		want: e.CRC32,
		size: e.UncompressedSize,
	}, nil
}

// ReadAll reads and verifies the entire decompressed content of an entry.
func (r *Reader) ReadAll(e *Entry) ([]byte, error) {
	rc, err := r.Open(e)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content := make([]byte, e.UncompressedSize)
	if _, err := io.ReadFull(rc, content); err != nil {
		return nil, fmt.Errorf("%w: %s: short entry data: %v", ErrStructure, e.Name, err)
	}
	if err := rc.Close(); err != nil {
		return nil, fmt.Errorf("%s: %w", e.Name, err)
	}
	return content, nil
}

// dataOffset reads the entry's local file header and resolves the offset of
// its data, validating that the full extent fits in the stream.
func (r *Reader) dataOffset(e *Entry) (int64, error) {
	if e.localHeaderOff+localHeaderLen > uint64(r.size) {
		return 0, fmt.Errorf("%w: %s: local header offset %d outside container (%d bytes)",
			ErrStructure, e.Name, e.localHeaderOff, r.size)
	}

	var buf [localHeaderLen]byte
	if _, err := io.ReadFull(io.NewSectionReader(r.src, int64(e.localHeaderOff), localHeaderLen), buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %s: read local header: %v", ErrStructure, e.Name, err)
	}
	if got := binary.LittleEndian.Uint32(buf[0:4]); got != sigLocalFileHeader {
		return 0, fmt.Errorf("%w: %s: local header signature: got %#08x", ErrStructure, e.Name, got)
	}

	nameLen := uint64(binary.LittleEndian.Uint16(buf[26:28]))
	extraLen := uint64(binary.LittleEndian.Uint16(buf[28:30]))
	dataOff := e.localHeaderOff + localHeaderLen + nameLen + extraLen

	if dataOff+e.CompressedSize > uint64(r.size) {
		return 0, fmt.Errorf("%w: %s: entry data [%d, %d) outside container (%d bytes)",
			ErrStructure, e.Name, dataOff, dataOff+e.CompressedSize, r.size)
	}
	return int64(dataOff), nil
}

// findEndOfCentralDir scans backward from the end of the stream for the
// EOCD signature, then follows the zip64 locator when the record carries
// sentinel values.
func (r *Reader) findEndOfCentralDir() (endOfCentralDir, error) {
	var end endOfCentralDir
	if r.size < directoryEndLen {
		return end, fmt.Errorf("%w: container too small (%d bytes)", ErrStructure, r.size)
	}

	// The comment is at most 64KB, so the record starts within the last
	// 64KB + 22 bytes of the stream.
	searchLimit := int64(sentinel16) + directoryEndLen
	if searchLimit > r.size {
		searchLimit = r.size
	}
	tail := make([]byte, searchLimit)
	if _, err := io.ReadFull(io.NewSectionReader(r.src, r.size-searchLimit, searchLimit), tail); err != nil {
		return end, fmt.Errorf("%w: read container tail: %v", ErrStructure, err)
	}

	recordStart := int64(-1)
	for p := int64(len(tail)) - directoryEndLen; p >= 0; p-- {
		if binary.LittleEndian.Uint32(tail[p:p+4]) == sigEndOfCentralDir {
			end = parseEndOfCentralDir(tail[p : p+directoryEndLen])
			// The comment length must account exactly for the remaining
			// bytes, otherwise the signature was part of entry data.
			if p+directoryEndLen+int64(end.commentLen) == int64(len(tail)) {
				recordStart = r.size - searchLimit + p
				break
			}
		}
	}
	if recordStart < 0 {
		return end, fmt.Errorf("%w: no end-of-central-directory signature found", ErrStructure)
	}

	if end.entryCount == sentinel16 || end.centralDirOff == sentinel32 {
		return r.readZip64EndOfCentralDir(recordStart)
	}
	return end, nil
}

// readZip64EndOfCentralDir reads the zip64 locator immediately preceding
// the EOCD record and the zip64 record it points at.
func (r *Reader) readZip64EndOfCentralDir(eocdOff int64) (endOfCentralDir, error) {
	var end endOfCentralDir

	locOff := eocdOff - zip64LocatorLen
	if locOff < 0 {
		return end, fmt.Errorf("%w: zip64 locator offset %d before stream start", ErrStructure, locOff)
	}
	var loc [zip64LocatorLen]byte
	if _, err := io.ReadFull(io.NewSectionReader(r.src, locOff, zip64LocatorLen), loc[:]); err != nil {
		return end, fmt.Errorf("%w: read zip64 locator: %v", ErrStructure, err)
	}
	if got := binary.LittleEndian.Uint32(loc[0:4]); got != sigZip64EndOfCentralLo {
		return end, fmt.Errorf("%w: zip64 locator signature: got %#08x", ErrStructure, got)
	}

	recordOff := binary.LittleEndian.Uint64(loc[8:16])
	if recordOff+zip64EndFixedLen > uint64(locOff) {
		return end, fmt.Errorf("%w: zip64 record offset %d outside stream", ErrStructure, recordOff)
	}
	var rec [zip64EndFixedLen]byte
	if _, err := io.ReadFull(io.NewSectionReader(r.src, int64(recordOff), zip64EndFixedLen), rec[:]); err != nil {
		return end, fmt.Errorf("%w: read zip64 end of central directory: %v", ErrStructure, err)
	}
	if got := binary.LittleEndian.Uint32(rec[0:4]); got != sigZip64EndOfCentral {
		return end, fmt.Errorf("%w: zip64 end of central directory signature: got %#08x", ErrStructure, got)
	}

	end.entryCount = binary.LittleEndian.Uint64(rec[32:40])
	end.centralDirSize = binary.LittleEndian.Uint64(rec[40:48])
	end.centralDirOff = binary.LittleEndian.Uint64(rec[48:56])
	return end, nil
}

// readCentralDir walks entryCount central directory records starting at the
// declared offset and builds the catalog.
func (r *Reader) readCentralDir(end endOfCentralDir) error {
	if end.centralDirOff+end.centralDirSize > uint64(r.size) {
		return fmt.Errorf("%w: central directory [%d, %d) outside container (%d bytes)",
			ErrStructure, end.centralDirOff, end.centralDirOff+end.centralDirSize, r.size)
	}

	cd := io.NewSectionReader(r.src, int64(end.centralDirOff), r.size-int64(end.centralDirOff))
	for i := uint64(0); i < end.entryCount; i++ {
		rec, err := readCentralDirEntry(cd)
		if err != nil {
			return fmt.Errorf("%w: entry %d of %d: %v", ErrStructure, i, end.entryCount, err)
		}

		name := NormalizeName(rec.name)
		if name == "" || strings.HasSuffix(rec.name, "/") {
			// Directory placeholder; the catalog tracks files only.
			continue
		}
		if rec.localHeaderOff >= uint64(r.size) {
			return fmt.Errorf("%w: %s: local header offset %d outside container (%d bytes)",
				ErrStructure, name, rec.localHeaderOff, r.size)
		}
		if _, dup := r.byName[name]; dup {
			return fmt.Errorf("%w: duplicate entry %q", ErrStructure, name)
		}

		e := &Entry{
			Name:             name,
			Method:           rec.method,
			CompressedSize:   rec.compressedSize,
			UncompressedSize: rec.uncompressedSize,
			CRC32:            rec.crc32,
			localHeaderOff:   rec.localHeaderOff,
		}
		r.entries = append(r.entries, e)
		r.byName[name] = e
	}
	return nil
}

// checksumReader verifies CRC-32 and declared size while reading.
type checksumReader struct {
	rc   io.ReadCloser
	hash hash.Hash32
	want uint32
	read uint64
	size uint64
}

func (cr *checksumReader) Read(p []byte) (int, error) {
	n, err := cr.rc.Read(p)
	if n > 0 {
		cr.read += uint64(n)
		cr.hash.Write(p[:n])
		if cr.read > cr.size {
			return n, fmt.Errorf("%w: entry data exceeds declared size %d", ErrStructure, cr.size)
		}
	}
	if err == io.EOF {
		if verr := cr.verify(); verr != nil {
			return n, verr
		}
	}
	return n, err
}

func (cr *checksumReader) Close() error {
	defer cr.rc.Close()
	return cr.verify()
}

func (cr *checksumReader) verify() error {
	if cr.read != cr.size {
		return fmt.Errorf("%w: read %d of %d declared bytes", ErrStructure, cr.read, cr.size)
	}
	if got := cr.hash.Sum32(); got != cr.want {
		return fmt.Errorf("%w: crc32 mismatch: got %08x, want %08x", msixtype.ErrIntegrity, got, cr.want)
	}
	return nil
}
