package msix

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/veldra/msix/internal/blockmap"
	"github.com/veldra/msix/internal/extract"
	"github.com/veldra/msix/internal/manifest"
	"github.com/veldra/msix/internal/msixtype"
	"github.com/veldra/msix/internal/zipfmt"
)

// Sentinel errors re-exported from internal/msixtype.
var (
	// ErrStructure is returned when container bytes violate the layout
	// contract.
	ErrStructure = msixtype.ErrStructure

	// ErrFormat is returned when a block map, manifest, or keyfile
	// violates its schema.
	ErrFormat = msixtype.ErrFormat

	// ErrKeyNotFound is returned when no key entry exists for a required
	// content identifier.
	ErrKeyNotFound = msixtype.ErrKeyNotFound

	// ErrIntegrity is returned when content fails hash verification.
	ErrIntegrity = msixtype.ErrIntegrity

	// ErrUnsupported is returned for declared compression methods,
	// ciphers, or format versions the engine does not implement.
	ErrUnsupported = msixtype.ErrUnsupported
)

// ByteSource provides random access to container bytes.
//
// Implementations exist for local files (*os.File via Open) and HTTP
// range requests (the http subpackage).
type ByteSource interface {
	io.ReaderAt
	Size() int64
}

// Identity is a package identity as declared in its manifest.
type Identity = manifest.Identity

// Sink receives extracted files. The FileSink and MemorySink
// constructors cover the common destinations.
type Sink = extract.Sink

// Committer is a single-file destination handed out by a Sink.
type Committer = extract.Committer

// NewFileSink returns a Sink writing under destDir with atomic
// temp-and-rename publication.
func NewFileSink(destDir string, overwrite bool) (Sink, error) {
	return extract.NewFileSink(destDir, extract.WithOverwrite(overwrite))
}

// NewMemorySink returns a Sink collecting files in memory.
func NewMemorySink() *extract.MemorySink {
	return extract.NewMemorySink()
}

// Kind classifies an open container exactly once.
type Kind int

const (
	// KindPackage is a single application package.
	KindPackage Kind = iota + 1

	// KindBundle holds nested package containers plus a bundle manifest.
	KindBundle
)

// String returns the lowercase kind name.
func (k Kind) String() string {
	switch k {
	case KindPackage:
		return "package"
	case KindBundle:
		return "bundle"
	default:
		return "unknown"
	}
}

// Package is an open container handle.
//
// A Package is classified as a plain package or a bundle when opened and
// keeps that classification for its lifetime. All methods are safe for
// concurrent use; reads go through independent positioned readers.
type Package struct {
	reader *zipfmt.Reader

	kind     Kind
	identity Identity
	bm       *blockmap.BlockMap
	bundle   *manifest.Bundle

	owned io.Closer

	workers      int
	overwrite    bool
	skipFileHash bool
	arch         string
	resource     string
	resourceSet  bool
	logger       *slog.Logger
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Package) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Open opens the container file at path. The returned Package owns the
// file handle and releases it on Close.
func Open(path string, opts ...Option) (*Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	p, err := New(io.NewSectionReader(f, 0, fi.Size()), opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	p.owned = f
	return p, nil
}

// New opens a container over an arbitrary byte source.
//
// The container is cataloged and classified up front: a bundle manifest
// entry makes it a bundle, otherwise it must carry a block map and an
// application manifest. Payload bytes are not read until extraction.
func New(src ByteSource, opts ...Option) (*Package, error) {
	reader, err := zipfmt.OpenReader(src)
	if err != nil {
		return nil, err
	}

	p := &Package{reader: reader}
	for _, opt := range opts {
		opt(p)
	}

	if _, ok := reader.Entry(manifest.BundleEntryName); ok {
		if err := p.loadBundle(); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err := p.loadPackage(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Package) loadBundle() error {
	data, err := p.readEntry(manifest.BundleEntryName)
	if err != nil {
		return err
	}
	b, err := manifest.ParseBundle(bytes.NewReader(data))
	if err != nil {
		return err
	}

	size := p.reader.Size()
	for _, child := range b.Packages {
		if child.Offset+child.Size < child.Offset || child.Offset+child.Size > size {
			return fmt.Errorf("%w: bundle child %q extends past container end",
				msixtype.ErrStructure, child.FileName)
		}
	}

	p.kind = KindBundle
	p.bundle = b
	p.identity = b.Identity
	return nil
}

func (p *Package) loadPackage() error {
	bmData, err := p.readEntry(blockmap.EntryName)
	if err != nil {
		return fmt.Errorf("block map: %w", err)
	}
	bm, err := blockmap.Parse(bmData)
	if err != nil {
		return err
	}

	mfData, err := p.readEntry(manifest.EntryName)
	if err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	id, err := manifest.Parse(bytes.NewReader(mfData))
	if err != nil {
		return err
	}

	p.kind = KindPackage
	p.bm = bm
	p.identity = id
	return nil
}

func (p *Package) readEntry(name string) ([]byte, error) {
	e, ok := p.reader.Entry(name)
	if !ok {
		return nil, fmt.Errorf("%w: missing entry %q", msixtype.ErrFormat, name)
	}
	return p.reader.ReadAll(e)
}

// Kind returns the container classification.
func (p *Package) Kind() Kind {
	return p.kind
}

// Identity returns the manifest identity: the application identity for a
// package, the bundle identity for a bundle.
func (p *Package) Identity() Identity {
	return p.identity
}

// Close releases the underlying file handle when the Package owns one.
// Packages over caller-provided byte sources close nothing.
func (p *Package) Close() error {
	if p.owned == nil {
		return nil
	}
	c := p.owned
	p.owned = nil
	return c.Close()
}
