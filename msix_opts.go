package msix

import "log/slog"

// Option configures a Package.
type Option func(*Package)

// WithWorkers bounds the number of files extracted concurrently
// (default: 4). Values < 1 are treated as 1.
func WithWorkers(n int) Option {
	return func(p *Package) {
		if n < 1 {
			n = 1
		}
		p.workers = n
	}
}

// WithOverwrite allows extraction to overwrite existing files.
// By default, existing files are skipped.
func WithOverwrite(overwrite bool) Option {
	return func(p *Package) {
		p.overwrite = overwrite
	}
}

// WithVerify toggles whole-file hash verification after extraction
// (default: on). Per-block hashes are always checked; an integrity
// mismatch inside a block fails the file regardless of this setting.
func WithVerify(verify bool) Option {
	return func(p *Package) {
		p.skipFileHash = !verify
	}
}

// WithArchitecture narrows Unbundle to children declaring the given
// processor architecture. Resource-only children are still included
// unless WithResourceID filters them.
func WithArchitecture(arch string) Option {
	return func(p *Package) {
		p.arch = arch
	}
}

// WithResourceID narrows Unbundle to children declaring the given
// resource qualifier. The empty string selects children with no
// qualifier.
func WithResourceID(resource string) Option {
	return func(p *Package) {
		p.resource = resource
		p.resourceSet = true
	}
}

// WithLogger sets a structured logger for extraction progress.
// By default, nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Package) {
		p.logger = logger
	}
}
