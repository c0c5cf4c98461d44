// Package extract provides the destinations extraction writes verified
// plaintext to.
package extract

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Sink receives extracted files. Implementations must be safe for
// concurrent use: extraction writes multiple files at once, each through
// its own Committer.
type Sink interface {
	// ShouldProcess reports whether the file at path should be extracted
	// at all. Paths use forward slashes.
	ShouldProcess(path string) bool

	// Writer opens a destination for one file. The caller either Commits
	// the fully written content or Discards it; nothing may surface at
	// the final destination before Commit.
	Writer(path string) (Committer, error)
}

// Committer is a single-file destination.
type Committer interface {
	io.Writer

	// Commit publishes the written content.
	Commit() error

	// Discard drops the written content.
	Discard() error
}

// FileSink writes extracted files under a destination directory.
//
// Files are written to a temporary file in the final directory and
// renamed into place on Commit, so partially written files are never
// visible at the final path.
type FileSink struct {
	destDir   string
	overwrite bool
}

// FileSinkOption configures a FileSink.
type FileSinkOption func(*FileSink)

// WithOverwrite allows overwriting existing files.
// By default, existing files are skipped.
func WithOverwrite(overwrite bool) FileSinkOption {
	return func(s *FileSink) {
		s.overwrite = overwrite
	}
}

// NewFileSink creates a FileSink rooted at destDir. Parent directories
// of extracted files are created as needed; destDir itself must exist or
// be creatable.
func NewFileSink(destDir string, opts ...FileSinkOption) (*FileSink, error) {
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, fmt.Errorf("create destination %s: %w", destDir, err)
	}
	s := &FileSink{destDir: destDir}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sub returns a FileSink rooted at a subdirectory, inheriting options.
func (s *FileSink) Sub(name string) (*FileSink, error) {
	return NewFileSink(filepath.Join(s.destDir, name), WithOverwrite(s.overwrite))
}

// ShouldProcess returns false if the file already exists and overwrite
// is disabled, or if the path would escape the destination.
func (s *FileSink) ShouldProcess(path string) bool {
	if !fs.ValidPath(path) {
		return false
	}
	if s.overwrite {
		return true
	}
	_, err := os.Stat(filepath.Join(s.destDir, filepath.FromSlash(path)))
	return os.IsNotExist(err)
}

// Writer returns a Committer that writes to a temp file and renames on
// Commit.
func (s *FileSink) Writer(path string) (Committer, error) {
	if !fs.ValidPath(path) {
		return nil, &fs.PathError{Op: "extract", Path: path, Err: fs.ErrInvalid}
	}
	destRel := filepath.FromSlash(path)

	root, err := os.OpenRoot(s.destDir)
	if err != nil {
		return nil, fmt.Errorf("open destination root %s: %w", s.destDir, err)
	}
	if err := root.MkdirAll(filepath.Dir(destRel), 0o750); err != nil {
		_ = root.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("create directory for %s: %w", path, err)
	}

	tempFile, tempRel, err := createTempFile(root, filepath.Dir(destRel), ".msix-")
	if err != nil {
		_ = root.Close() //nolint:errcheck // best-effort cleanup
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	return &fileCommitter{
		destRel:  destRel,
		tempFile: tempFile,
		tempRel:  tempRel,
		root:     root,
	}, nil
}

// fileCommitter writes to a temp file and renames on Commit.
type fileCommitter struct {
	destRel  string
	tempFile *os.File
	tempRel  string
	root     *os.Root
}

// Write implements io.Writer.
func (c *fileCommitter) Write(p []byte) (int, error) {
	return c.tempFile.Write(p)
}

// Commit closes the temp file and renames it to the final path.
func (c *fileCommitter) Commit() error {
	if err := c.tempFile.Close(); err != nil {
		_ = c.root.Remove(c.tempRel) //nolint:errcheck // best-effort cleanup
		_ = c.root.Close()           //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := c.root.Rename(c.tempRel, c.destRel); err != nil {
		_ = c.root.Remove(c.tempRel) //nolint:errcheck // best-effort cleanup
		_ = c.root.Close()           //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("rename to %s: %w", c.destRel, err)
	}
	return c.root.Close()
}

// Discard closes and removes the temp file.
func (c *fileCommitter) Discard() error {
	_ = c.tempFile.Close() //nolint:errcheck // we're cleaning up
	if err := c.root.Remove(c.tempRel); err != nil {
		_ = c.root.Close() //nolint:errcheck // best-effort cleanup
		return err
	}
	return c.root.Close()
}

func createTempFile(root *os.Root, dir, prefix string) (*os.File, string, error) {
	const attempts = 10
	for range attempts {
		name, err := randomSuffix()
		if err != nil {
			return nil, "", err
		}
		relPath := filepath.Join(dir, prefix+name)
		f, err := root.OpenFile(relPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return f, relPath, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", errors.New("create temp file: exhausted retries")
}

func randomSuffix() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// MemorySink collects extracted files in memory. Useful for tests and
// for callers that post-process content instead of writing it out.
type MemorySink struct {
	mu    sync.Mutex
	files map[string][]byte
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{files: make(map[string][]byte)}
}

// ShouldProcess accepts every valid path.
func (s *MemorySink) ShouldProcess(path string) bool {
	return fs.ValidPath(path)
}

// Writer returns a Committer accumulating into the sink.
func (s *MemorySink) Writer(path string) (Committer, error) {
	if !fs.ValidPath(path) {
		return nil, &fs.PathError{Op: "extract", Path: path, Err: fs.ErrInvalid}
	}
	return &memoryCommitter{sink: s, path: path}, nil
}

// File returns the committed content for path.
func (s *MemorySink) File(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[path]
	return data, ok
}

// Len returns the number of committed files.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

type memoryCommitter struct {
	sink *MemorySink
	path string
	buf  bytes.Buffer
}

func (c *memoryCommitter) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *memoryCommitter) Commit() error {
	c.sink.mu.Lock()
	defer c.sink.mu.Unlock()
	c.sink.files[c.path] = c.buf.Bytes()
	return nil
}

func (c *memoryCommitter) Discard() error {
	return nil
}
