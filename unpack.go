package msix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/veldra/msix/internal/blockmap"
	"github.com/veldra/msix/internal/decrypt"
	"github.com/veldra/msix/internal/msixtype"
	"github.com/veldra/msix/internal/zipfmt"
)

const defaultWorkers = 4

// FileError records one file that failed to extract.
type FileError struct {
	Path string
	Err  error
}

// Error implements error.
func (e *FileError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

// Unwrap exposes the underlying cause for errors.Is checks.
func (e *FileError) Unwrap() error {
	return e.Err
}

// Report accumulates per-file outcomes of one extraction. A failed file
// never aborts the run; it is recorded here alongside the successes.
type Report struct {
	// Extracted lists files written to the sink, sorted.
	Extracted []string

	// Skipped lists files the sink declined, sorted.
	Skipped []string

	// Failed lists files that could not be extracted.
	Failed []*FileError
}

// Err returns all per-file failures joined, or nil when every file
// extracted cleanly.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failed))
	for i, fe := range r.Failed {
		errs[i] = fe
	}
	return errors.Join(errs...)
}

// Unpack extracts every file of a single package into destDir.
//
// Files listed in the block map are decrypted and verified block by
// block; entries outside the block map are passed through with checksum
// verification only. Integrity and key-lookup failures are recorded
// per file in the Report; the error return is reserved for operation
// level failures such as cancellation.
func (p *Package) Unpack(ctx context.Context, destDir string, keys *KeyStore) (*Report, error) {
	sink, err := NewFileSink(destDir, p.overwrite)
	if err != nil {
		return nil, err
	}
	return p.UnpackTo(ctx, sink, keys)
}

// UnpackTo extracts every file of a single package into sink.
func (p *Package) UnpackTo(ctx context.Context, sink Sink, keys *KeyStore) (*Report, error) {
	if p.kind != KindPackage {
		return nil, fmt.Errorf("%w: unpack requires a package, not a %s", msixtype.ErrFormat, p.kind)
	}

	report := &Report{}
	var mu sync.Mutex

	eg, gctx := errgroup.WithContext(ctx)
	workers := p.workers
	if workers == 0 {
		workers = defaultWorkers
	}
	eg.SetLimit(workers)

	for _, entry := range p.reader.Entries() {
		if err := ctx.Err(); err != nil {
			break
		}
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome := p.extractFile(entry, sink, keys)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case outcome == nil:
				report.Extracted = append(report.Extracted, entry.Name)
			case errors.Is(outcome, errSkipped):
				report.Skipped = append(report.Skipped, entry.Name)
			default:
				p.log().Warn("extraction failed", "path", entry.Name, "error", outcome)
				report.Failed = append(report.Failed, &FileError{Path: entry.Name, Err: outcome})
			}
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	// A block-map file with no container entry is a structural defect of
	// that file, not a silent omission.
	for _, bf := range p.bm.Files {
		name := blockmap.NormalizedName(bf.Name)
		if _, ok := p.reader.Entry(name); !ok {
			report.Failed = append(report.Failed, &FileError{
				Path: name,
				Err:  fmt.Errorf("%w: listed in block map but missing from container", msixtype.ErrStructure),
			})
		}
	}

	sort.Strings(report.Extracted)
	sort.Strings(report.Skipped)
	sort.Slice(report.Failed, func(i, j int) bool { return report.Failed[i].Path < report.Failed[j].Path })

	p.log().Debug("unpack finished",
		"extracted", len(report.Extracted),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed))
	return report, nil
}

// errSkipped marks files the sink declined.
var errSkipped = errors.New("skipped")

// extractFile writes one entry through the sink. A nil return means the
// file was extracted and committed.
func (p *Package) extractFile(entry *zipfmt.Entry, sink Sink, keys *KeyStore) error {
	if !sink.ShouldProcess(entry.Name) {
		return errSkipped
	}

	rc, err := p.openVerified(entry, keys)
	if err != nil {
		return err
	}
	defer rc.Close()

	w, err := sink.Writer(entry.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		_ = w.Discard() //nolint:errcheck // best-effort cleanup
		return err
	}
	if err := w.Commit(); err != nil {
		return err
	}
	p.log().Debug("extracted", "path", entry.Name)
	return nil
}

// openVerified returns the verified plaintext reader for an entry:
// the block-map pipeline when the entry is listed there, checksum-only
// pass-through otherwise.
func (p *Package) openVerified(entry *zipfmt.Entry, keys *KeyStore) (io.ReadCloser, error) {
	bf, ok := p.bm.Lookup(entry.Name)
	if !ok {
		return p.reader.Open(entry)
	}
	if p.skipFileHash && bf.FileHash != "" {
		// Block hashes still verify every byte; only the redundant
		// whole-file pass is dropped.
		copied := *bf
		copied.FileHash = ""
		bf = &copied
	}

	var key []byte
	if bf.Encrypted() {
		if keys == nil {
			return nil, fmt.Errorf("%w: no keyfile supplied", msixtype.ErrKeyNotFound)
		}
		k, err := keys.lookup(bf.KeyID)
		if err != nil {
			return nil, err
		}
		key = k
	}
	return decrypt.NewReader(p.reader, entry, bf, p.bm.PackageFullName, key)
}
