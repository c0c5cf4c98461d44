// Package decrypt turns container entry bytes into verified plaintext,
// following the block layout the block map declares for each file.
//
// Encrypted entries are stored uncompressed in the container as a run of
// sector-aligned ciphertext blocks. Each block is decrypted with
// AES-128-XTS, trimmed to its packed length, inflated when the file is
// marked compressed, and checked against the declared block digest before
// any byte is handed to the caller. Plain entries are read through the
// container's own compression layer and checked against the same digests
// chunk by chunk.
package decrypt

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/opencontainers/go-digest"
	"golang.org/x/crypto/xts"

	"github.com/veldra/msix/internal/blockmap"
	"github.com/veldra/msix/internal/msixtype"
	"github.com/veldra/msix/internal/xtscrypt"
	"github.com/veldra/msix/internal/zipfmt"
)

// NewReader returns a reader producing the verified plaintext of one
// logical file. The caller owns key resolution: key must be nil exactly
// when the block-map entry is not encrypted. Each call builds independent
// read state, so readers for different files can run concurrently over
// the same container.
func NewReader(container *zipfmt.Reader, entry *zipfmt.Entry, bf *blockmap.File, packageFullName string, key []byte) (io.ReadCloser, error) {
	if bf.Encrypted() {
		if key == nil {
			return nil, fmt.Errorf("%w: no key for %q", msixtype.ErrKeyNotFound, bf.Name)
		}
		return newEncryptedReader(container, entry, bf, packageFullName, key)
	}
	if key != nil {
		return nil, fmt.Errorf("%w: key supplied for unencrypted file %q", msixtype.ErrFormat, bf.Name)
	}
	return newPlainReader(container, entry, bf)
}

// encryptedReader decrypts and verifies one block at a time.
type encryptedReader struct {
	data     *io.SectionReader
	bf       *blockmap.File
	cipher   *xts.Cipher
	tweak    uint64
	fileHash digest.Digester

	block   int
	buf     []byte
	scratch []byte
	err     error
}

func newEncryptedReader(container *zipfmt.Reader, entry *zipfmt.Entry, bf *blockmap.File, packageFullName string, key []byte) (*encryptedReader, error) {
	if entry.Method != zipfmt.MethodStore {
		return nil, fmt.Errorf("%w: encrypted entry %q uses method %d, want stored", msixtype.ErrStructure, entry.Name, entry.Method)
	}

	var stored uint64
	for i := range bf.Blocks {
		stored += uint64(bf.StoredSize(i))
	}
	if entry.CompressedSize != stored {
		return nil, fmt.Errorf("%w: entry %q holds %d bytes, block map declares %d",
			msixtype.ErrStructure, entry.Name, entry.CompressedSize, stored)
	}

	data, err := container.DataSection(entry)
	if err != nil {
		return nil, err
	}

	c, err := xtscrypt.NewCipher(key)
	if err != nil {
		return nil, err
	}

	r := &encryptedReader{
		data:   data,
		bf:     bf,
		cipher: c,
		tweak:  xtscrypt.FileTweak(bf.Name, packageFullName),
	}
	if bf.FileHash != "" {
		r.fileHash = digest.SHA256.Digester()
	}
	return r, nil
}

func (r *encryptedReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	for len(r.buf) == 0 {
		if r.block >= len(r.bf.Blocks) {
			r.err = r.finish()
			return 0, r.err
		}
		if err := r.nextBlock(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// nextBlock decrypts, unpacks, and verifies the next block into r.buf.
func (r *encryptedReader) nextBlock() error {
	i := r.block
	stored := r.bf.StoredSize(i)

	if cap(r.scratch) < stored {
		r.scratch = make([]byte, stored)
	}
	raw := r.scratch[:stored]
	if _, err := io.ReadFull(r.data, raw); err != nil {
		return fmt.Errorf("%w: entry %q truncated at block %d: %v", msixtype.ErrStructure, r.bf.Name, i, err)
	}

	sector := r.tweak + uint64(i)*msixtype.SectorsPerBlock
	if err := xtscrypt.DecryptSectors(r.cipher, raw, sector); err != nil {
		return err
	}
	packed := raw[:r.bf.Blocks[i].PackedSize]

	plain, err := unpackBlock(packed, r.bf.Compressed, r.bf.PlainSize(i))
	if err != nil {
		return fmt.Errorf("block %d of %q: %w", i, r.bf.Name, err)
	}

	if got := digest.FromBytes(plain); got != r.bf.Blocks[i].Hash {
		return fmt.Errorf("%w: block %d of %q hash mismatch", msixtype.ErrIntegrity, i, r.bf.Name)
	}
	if r.fileHash != nil {
		r.fileHash.Hash().Write(plain)
	}

	r.buf = plain
	r.block++
	return nil
}

func (r *encryptedReader) finish() error {
	if r.fileHash != nil && r.fileHash.Digest() != r.bf.FileHash {
		return fmt.Errorf("%w: file hash mismatch for %q", msixtype.ErrIntegrity, r.bf.Name)
	}
	return io.EOF
}

func (r *encryptedReader) Close() error { return nil }

// unpackBlock recovers block plaintext from its packed form. Compressed
// blocks are raw deflate streams that must inflate to exactly plainSize
// bytes with no trailing input.
func unpackBlock(packed []byte, compressed bool, plainSize int) ([]byte, error) {
	if !compressed {
		if len(packed) != plainSize {
			return nil, fmt.Errorf("%w: stored block is %d bytes, want %d", msixtype.ErrStructure, len(packed), plainSize)
		}
		out := make([]byte, plainSize)
		copy(out, packed)
		return out, nil
	}

	fr := flate.NewReader(bytes.NewReader(packed))
	defer fr.Close()

	out := make([]byte, plainSize)
	if _, err := io.ReadFull(fr, out); err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", msixtype.ErrIntegrity, err)
	}
	if n, err := fr.Read(make([]byte, 1)); n != 0 || err != io.EOF {
		return nil, fmt.Errorf("%w: inflate produced more than %d bytes", msixtype.ErrIntegrity, plainSize)
	}
	return out, nil
}

// plainReader reads an unencrypted entry through the container layer and
// verifies the block-map digests over 64 KiB plaintext chunks.
type plainReader struct {
	rc       io.ReadCloser
	bf       *blockmap.File
	fileHash digest.Digester

	block int
	buf   []byte
	err   error
}

func newPlainReader(container *zipfmt.Reader, entry *zipfmt.Entry, bf *blockmap.File) (*plainReader, error) {
	if entry.UncompressedSize != bf.Size {
		return nil, fmt.Errorf("%w: entry %q is %d bytes, block map declares %d",
			msixtype.ErrStructure, entry.Name, entry.UncompressedSize, bf.Size)
	}

	rc, err := container.Open(entry)
	if err != nil {
		return nil, err
	}

	r := &plainReader{rc: rc, bf: bf}
	if bf.FileHash != "" {
		r.fileHash = digest.SHA256.Digester()
	}
	return r, nil
}

func (r *plainReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	for len(r.buf) == 0 {
		if r.block >= len(r.bf.Blocks) {
			r.err = r.finish()
			return 0, r.err
		}
		if err := r.nextChunk(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *plainReader) nextChunk() error {
	i := r.block
	chunk := make([]byte, r.bf.PlainSize(i))
	if _, err := io.ReadFull(r.rc, chunk); err != nil {
		return fmt.Errorf("%w: entry %q truncated at block %d: %v", msixtype.ErrStructure, r.bf.Name, i, err)
	}

	if got := digest.FromBytes(chunk); got != r.bf.Blocks[i].Hash {
		return fmt.Errorf("%w: block %d of %q hash mismatch", msixtype.ErrIntegrity, i, r.bf.Name)
	}
	if r.fileHash != nil {
		r.fileHash.Hash().Write(chunk)
	}

	r.buf = chunk
	r.block++
	return nil
}

func (r *plainReader) finish() error {
	if r.fileHash != nil && r.fileHash.Digest() != r.bf.FileHash {
		return fmt.Errorf("%w: file hash mismatch for %q", msixtype.ErrIntegrity, r.bf.Name)
	}
	return io.EOF
}

func (r *plainReader) Close() error { return r.rc.Close() }
