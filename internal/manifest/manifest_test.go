package manifest

import (
	"errors"
	"strings"
	"testing"

	"github.com/veldra/msix/internal/msixtype"
)

func TestParse(t *testing.T) {
	doc := `<Package xmlns="http://schemas.microsoft.com/appx/manifest/foundation/windows10">
		<Identity Name="TestApp" Publisher="CN=SomeCommonName" Version="1.2.3.4"
			ProcessorArchitecture="x64" ResourceId="en-us"/>
	</Package>`

	id, err := Parse(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if id.Name != "TestApp" {
		t.Errorf("Name = %q", id.Name)
	}
	if id.Publisher != "CN=SomeCommonName" {
		t.Errorf("Publisher = %q", id.Publisher)
	}
	if id.Version != "1.2.3.4" {
		t.Errorf("Version = %q", id.Version)
	}
	if id.ProcessorArchitecture != "x64" {
		t.Errorf("ProcessorArchitecture = %q", id.ProcessorArchitecture)
	}
	if id.ResourceID != "en-us" {
		t.Errorf("ResourceID = %q", id.ResourceID)
	}

	if got := id.FullName("abc123"); got != "TestApp_1.2.3.4_x64_en-us_abc123" {
		t.Errorf("FullName() = %q", got)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not xml", "nope"},
		{"no identity", `<Package/>`},
		{"missing name", `<Package><Identity Publisher="CN=X" Version="1.0.0.0"/></Package>`},
		{"missing publisher", `<Package><Identity Name="A" Version="1.0.0.0"/></Package>`},
		{"missing version", `<Package><Identity Name="A" Publisher="CN=X"/></Package>`},
		{"three part version", `<Package><Identity Name="A" Publisher="CN=X" Version="1.0.0"/></Package>`},
		{"non numeric version", `<Package><Identity Name="A" Publisher="CN=X" Version="1.0.0.x"/></Package>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(tt.doc)); !errors.Is(err, msixtype.ErrFormat) {
				t.Errorf("Parse() error = %v, want ErrFormat", err)
			}
		})
	}
}

func TestParseBundle(t *testing.T) {
	doc := `<Bundle>
		<Identity Name="TestBundle" Publisher="CN=SomeCommonName" Version="1.0.0.0"/>
		<Packages>
			<Package FileName="app_x64.appx" Architecture="x64" Version="1.0.0.0" Offset="100" Size="2048"/>
			<Package FileName="resources_en.appx" Type="resource" ResourceId="en-us" Offset="2148" Size="512"/>
		</Packages>
	</Bundle>`

	b, err := ParseBundle(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("ParseBundle() error = %v", err)
	}

	if b.Identity.Name != "TestBundle" {
		t.Errorf("Identity.Name = %q", b.Identity.Name)
	}
	if len(b.Packages) != 2 {
		t.Fatalf("Packages len = %d, want 2", len(b.Packages))
	}

	app := b.Packages[0]
	if !app.IsApplication() {
		t.Error("app child should be an application")
	}
	if app.Offset != 100 || app.Size != 2048 {
		t.Errorf("app extent = (%d, %d)", app.Offset, app.Size)
	}

	res := b.Packages[1]
	if res.IsApplication() {
		t.Error("resource child should not be an application")
	}
	if res.ResourceID != "en-us" {
		t.Errorf("ResourceID = %q", res.ResourceID)
	}
}

func TestParseBundleErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not xml", "nope"},
		{"no packages", `<Bundle><Packages/></Bundle>`},
		{"missing file name", `<Bundle><Packages><Package Offset="0" Size="10"/></Packages></Bundle>`},
		{"missing offset", `<Bundle><Packages><Package FileName="a.appx" Size="10"/></Packages></Bundle>`},
		{"missing size", `<Bundle><Packages><Package FileName="a.appx" Offset="0"/></Packages></Bundle>`},
		{"negative offset", `<Bundle><Packages><Package FileName="a.appx" Offset="-1" Size="10"/></Packages></Bundle>`},
		{"zero size", `<Bundle><Packages><Package FileName="a.appx" Offset="0" Size="0"/></Packages></Bundle>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseBundle(strings.NewReader(tt.doc)); !errors.Is(err, msixtype.ErrFormat) {
				t.Errorf("ParseBundle() error = %v, want ErrFormat", err)
			}
		})
	}
}
