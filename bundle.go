package msix

import (
	"context"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/veldra/msix/internal/manifest"
	"github.com/veldra/msix/internal/msixtype"
)

// ChildRef identifies one package inside a bundle.
type ChildRef = manifest.BundlePackage

// Children returns the bundle manifest's package list in declaration
// order. It is empty for a plain package.
func (p *Package) Children() []ChildRef {
	if p.bundle == nil {
		return nil
	}
	return p.bundle.Packages
}

// Child opens the nested package a bundle entry references, slicing the
// bundle's byte stream at the declared offset and length. A child that
// itself claims to be a bundle is rejected: nesting is exactly one level
// deep.
func (p *Package) Child(ref ChildRef, opts ...Option) (*Package, error) {
	if p.kind != KindBundle {
		return nil, fmt.Errorf("%w: not a bundle", msixtype.ErrFormat)
	}
	if ref.Offset+ref.Size > p.reader.Size() {
		return nil, fmt.Errorf("%w: child %q extends past container end", msixtype.ErrStructure, ref.FileName)
	}

	src := io.NewSectionReader(p.reader.Source(), ref.Offset, ref.Size)
	child, err := New(src, opts...)
	if err != nil {
		return nil, fmt.Errorf("child %q: %w", ref.FileName, err)
	}
	if child.kind == KindBundle {
		return nil, fmt.Errorf("%w: child %q is itself a bundle", msixtype.ErrFormat, ref.FileName)
	}
	return child, nil
}

// ChildReport is the extraction outcome for one bundle child.
type ChildReport struct {
	// Name is the child's file name from the bundle manifest.
	Name string

	// Report holds per-file outcomes; nil when the child could not be
	// opened at all.
	Report *Report

	// Err records a child-level failure (unreadable or malformed child).
	Err error
}

// Unbundle extracts the bundle's children into per-child subdirectories
// of destDir.
//
// By default every child is extracted; WithArchitecture and
// WithResourceID narrow the set. A child that fails to open is recorded
// in its ChildReport and does not stop the remaining children.
func (p *Package) Unbundle(ctx context.Context, destDir string, keys *KeyStore) ([]ChildReport, error) {
	if p.kind != KindBundle {
		return nil, fmt.Errorf("%w: unbundle requires a bundle, not a %s", msixtype.ErrFormat, p.kind)
	}

	var reports []ChildReport
	for _, ref := range p.bundle.Packages {
		if !p.selectChild(ref) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		reports = append(reports, p.unbundleChild(ctx, destDir, ref, keys))
	}
	return reports, nil
}

func (p *Package) unbundleChild(ctx context.Context, destDir string, ref ChildRef, keys *KeyStore) ChildReport {
	cr := ChildReport{Name: ref.FileName}

	opts := []Option{WithOverwrite(p.overwrite), WithVerify(!p.skipFileHash), WithLogger(p.logger)}
	if p.workers > 0 {
		opts = append(opts, WithWorkers(p.workers))
	}
	child, err := p.Child(ref, opts...)
	if err != nil {
		p.log().Warn("skipping unreadable bundle child", "child", ref.FileName, "error", err)
		cr.Err = err
		return cr
	}

	report, err := child.Unpack(ctx, filepath.Join(destDir, childDirName(ref.FileName)), keys)
	cr.Report = report
	cr.Err = err
	return cr
}

// selectChild applies the architecture and resource filters.
func (p *Package) selectChild(ref ChildRef) bool {
	if p.arch != "" && !strings.EqualFold(ref.Architecture, p.arch) {
		return false
	}
	if p.resourceSet && ref.ResourceID != p.resource {
		return false
	}
	return true
}

// childDirName derives a destination directory from a child file name by
// dropping its extension.
func childDirName(fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, `\`, "/"))
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" || base == "." {
		base = fileName
	}
	return base
}
