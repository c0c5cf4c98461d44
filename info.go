package msix

import (
	"context"
	"io/fs"
)

// Info is the stable summary set the info operation reports. No payload
// bytes are read to produce it.
type Info struct {
	Kind     Kind
	Identity Identity

	// FileCount and EncryptedCount describe the block map of a package.
	// Both are zero for bundles.
	FileCount      int
	EncryptedCount int

	// Children lists a bundle's packages. Empty for plain packages.
	Children []ChildRef
}

// EntryInfo describes one catalog entry of an open container.
type EntryInfo struct {
	// Name is the normalized entry path.
	Name string

	// Size is the plaintext length: the block-map size for listed files,
	// the declared uncompressed size otherwise.
	Size uint64

	// Encrypted reports whether the block map associates the entry with
	// a decryption key.
	Encrypted bool
}

// Entries lists the container catalog in declaration order. No payload
// bytes are read.
func (p *Package) Entries() []EntryInfo {
	catalog := p.reader.Entries()
	out := make([]EntryInfo, 0, len(catalog))
	for _, e := range catalog {
		info := EntryInfo{Name: e.Name, Size: e.UncompressedSize}
		if p.bm != nil {
			if bf, ok := p.bm.Lookup(e.Name); ok {
				info.Size = bf.Size
				info.Encrypted = bf.Encrypted()
			}
		}
		out = append(out, info)
	}
	return out
}

// Info summarizes the open container.
func (p *Package) Info() Info {
	info := Info{
		Kind:     p.kind,
		Identity: p.identity,
		Children: p.Children(),
	}
	if p.bm != nil {
		info.FileCount = p.bm.Len()
		for _, f := range p.bm.Files {
			if f.Encrypted() {
				info.EncryptedCount++
			}
		}
	}
	return info
}

// Verify reads every file of a package through the full verification
// pipeline without writing anything out. Keys may be nil; encrypted
// files then fail with ErrKeyNotFound in the report.
func (p *Package) Verify(ctx context.Context, keys *KeyStore) (*Report, error) {
	return p.UnpackTo(ctx, discardSink{}, keys)
}

// discardSink accepts and drops everything.
type discardSink struct{}

func (discardSink) ShouldProcess(path string) bool {
	return fs.ValidPath(path)
}

func (discardSink) Writer(string) (Committer, error) {
	return discardCommitter{}, nil
}

type discardCommitter struct{}

func (discardCommitter) Write(p []byte) (int, error) { return len(p), nil }
func (discardCommitter) Commit() error               { return nil }
func (discardCommitter) Discard() error              { return nil }
