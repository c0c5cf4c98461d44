// Package msix reads Windows app package containers: single packages
// (.msix/.appx) and bundles (.msixbundle/.appxbundle) that group
// per-architecture packages.
//
// A container is opened from a file path or any random-access
// [ByteSource], classified as package or bundle, and extracted with
// every file verified against the package block map. Protected files
// are decrypted transparently when a [KeyStore] holds the matching
// key; a missing key fails only the affected file, never the run.
//
// # Quick Start
//
// Extract a package with the well-known test key:
//
//	pkg, err := msix.Open("app.msix")
//	if err != nil {
//	    return err
//	}
//	defer pkg.Close()
//
//	keys := msix.NewKeyStore()
//	keys.AddTestKey()
//	report, err := pkg.Unpack(ctx, "./out", keys)
//
// Extract one architecture from a bundle:
//
//	pkg, err := msix.Open("app.msixbundle", msix.WithArchitecture("x64"))
//	if err != nil {
//	    return err
//	}
//	defer pkg.Close()
//	reports, err := pkg.Unbundle(ctx, "./out", keys)
//
// # Remote Containers
//
// The [http] subpackage serves a remote container over HTTP range
// requests, so a bundle can be inspected or a single child extracted
// without downloading the whole file:
//
//	src, err := msixhttp.NewSource("https://cdn.example.com/app.msixbundle")
//	if err != nil {
//	    return err
//	}
//	pkg, err := msix.New(src)
package msix
