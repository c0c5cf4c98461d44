// Package manifest parses the two manifest documents a container can
// carry: the application manifest with the package identity, and the
// bundle manifest listing the packages a bundle contains.
package manifest

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"

	"github.com/veldra/msix/internal/msixtype"
)

// Well-known entry names, as they appear in the container after
// separator normalization.
const (
	EntryName       = "AppxManifest.xml"
	BundleEntryName = "AppxMetadata/AppxBundleManifest.xml"
)

var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// Identity is the identity element of an application manifest.
type Identity struct {
	Name                  string
	Publisher             string
	Version               string
	ProcessorArchitecture string
	ResourceID            string
}

// FullName returns Name_Version_Architecture_ResourceID_PublisherID given
// a publisher id. Empty architecture and resource segments stay empty but
// keep their separators, matching the platform convention.
func (id Identity) FullName(publisherID string) string {
	return fmt.Sprintf("%s_%s_%s_%s_%s",
		id.Name, id.Version, id.ProcessorArchitecture, id.ResourceID, publisherID)
}

type xmlManifest struct {
	XMLName  xml.Name     `xml:"Package"`
	Identity *xmlIdentity `xml:"Identity"`
}

type xmlIdentity struct {
	Name                  *string `xml:"Name,attr"`
	Publisher             *string `xml:"Publisher,attr"`
	Version               *string `xml:"Version,attr"`
	ProcessorArchitecture string  `xml:"ProcessorArchitecture,attr"`
	ResourceID            string  `xml:"ResourceId,attr"`
}

// Parse decodes an application manifest and validates its identity.
func Parse(r io.Reader) (Identity, error) {
	var doc xmlManifest
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return Identity{}, fmt.Errorf("%w: manifest: %v", msixtype.ErrFormat, err)
	}

	if doc.Identity == nil {
		return Identity{}, fmt.Errorf("%w: manifest missing Identity element", msixtype.ErrFormat)
	}
	if doc.Identity.Name == nil || *doc.Identity.Name == "" {
		return Identity{}, fmt.Errorf("%w: manifest identity missing Name", msixtype.ErrFormat)
	}
	if doc.Identity.Publisher == nil || *doc.Identity.Publisher == "" {
		return Identity{}, fmt.Errorf("%w: manifest identity missing Publisher", msixtype.ErrFormat)
	}
	if doc.Identity.Version == nil {
		return Identity{}, fmt.Errorf("%w: manifest identity missing Version", msixtype.ErrFormat)
	}
	if !versionPattern.MatchString(*doc.Identity.Version) {
		return Identity{}, fmt.Errorf("%w: manifest version %q is not four dotted numbers", msixtype.ErrFormat, *doc.Identity.Version)
	}

	return Identity{
		Name:                  *doc.Identity.Name,
		Publisher:             *doc.Identity.Publisher,
		Version:               *doc.Identity.Version,
		ProcessorArchitecture: doc.Identity.ProcessorArchitecture,
		ResourceID:            doc.Identity.ResourceID,
	}, nil
}

// BundlePackage describes one packaged payload inside a bundle.
type BundlePackage struct {
	FileName     string
	Type         string
	Version      string
	Architecture string
	ResourceID   string
	Offset       int64
	Size         int64
}

// IsApplication reports whether the entry is an application payload
// rather than a resource-only one. An absent Type attribute means
// application.
func (p BundlePackage) IsApplication() bool {
	return p.Type == "" || p.Type == "application"
}

// Bundle is a parsed bundle manifest.
type Bundle struct {
	Identity Identity
	Packages []BundlePackage
}

type xmlBundle struct {
	XMLName  xml.Name `xml:"Bundle"`
	Identity *xmlIdentity
	Packages struct {
		Package []xmlBundlePackage `xml:"Package"`
	} `xml:"Packages"`
}

type xmlBundlePackage struct {
	FileName     *string `xml:"FileName,attr"`
	Type         string  `xml:"Type,attr"`
	Version      string  `xml:"Version,attr"`
	Architecture string  `xml:"Architecture,attr"`
	ResourceID   string  `xml:"ResourceId,attr"`
	Offset       *int64  `xml:"Offset,attr"`
	Size         *int64  `xml:"Size,attr"`
}

// ParseBundle decodes a bundle manifest. Every listed package must carry
// a file name and a non-negative offset and size.
func ParseBundle(r io.Reader) (*Bundle, error) {
	var doc xmlBundle
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: bundle manifest: %v", msixtype.ErrFormat, err)
	}

	b := &Bundle{}
	if doc.Identity != nil {
		if doc.Identity.Name != nil {
			b.Identity.Name = *doc.Identity.Name
		}
		if doc.Identity.Publisher != nil {
			b.Identity.Publisher = *doc.Identity.Publisher
		}
		if doc.Identity.Version != nil {
			b.Identity.Version = *doc.Identity.Version
		}
	}

	if len(doc.Packages.Package) == 0 {
		return nil, fmt.Errorf("%w: bundle manifest lists no packages", msixtype.ErrFormat)
	}

	for i, p := range doc.Packages.Package {
		if p.FileName == nil || *p.FileName == "" {
			return nil, fmt.Errorf("%w: bundle package %d missing FileName", msixtype.ErrFormat, i)
		}
		if p.Offset == nil || p.Size == nil {
			return nil, fmt.Errorf("%w: bundle package %q missing Offset or Size", msixtype.ErrFormat, *p.FileName)
		}
		if *p.Offset < 0 || *p.Size <= 0 {
			return nil, fmt.Errorf("%w: bundle package %q has invalid extent", msixtype.ErrFormat, *p.FileName)
		}
		b.Packages = append(b.Packages, BundlePackage{
			FileName:     *p.FileName,
			Type:         p.Type,
			Version:      p.Version,
			Architecture: p.Architecture,
			ResourceID:   p.ResourceID,
			Offset:       *p.Offset,
			Size:         *p.Size,
		})
	}
	return b, nil
}
