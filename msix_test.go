package msix_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veldra/msix"
	"github.com/veldra/msix/internal/keyfile"
	"github.com/veldra/msix/internal/testutil"
	"github.com/veldra/msix/internal/zipfmt"
)

func testKeyStore(t *testing.T) *msix.KeyStore {
	t.Helper()
	keys := msix.NewKeyStore()
	keys.AddTestKey()
	return keys
}

func testKeyBytes(t *testing.T) []byte {
	t.Helper()
	_, key := keyfile.TestKey()
	return key
}

// testKeyID is the base64 GUID-pair form of the well-known test key, as
// block maps carry it.
const testKeyID = "Z8+v3Sx7bQgwK4rawb3Tp7iuU30iWWLwsdd+CfWhh6A="

func buildMixedPackage(t *testing.T) []byte {
	t.Helper()

	builder := &testutil.PackageBuilder{
		Files: []testutil.FileSpec{
			{Name: `Assets\logo.png`, Data: bytes.Repeat([]byte("img"), 500), KeyID: testKeyID, Compressed: true},
			{Name: `bin\app.exe`, Data: bytes.Repeat([]byte{0xC3}, 70000), KeyID: testKeyID},
			{Name: `readme.txt`, Data: []byte("plain readme")},
		},
	}
	builder.WithKey(testKeyID, testKeyBytes(t))
	return builder.Build(t)
}

func TestNewClassifiesPackage(t *testing.T) {
	pkg, err := msix.New(testutil.NewMockByteSource(buildMixedPackage(t)))
	require.NoError(t, err)

	assert.Equal(t, msix.KindPackage, pkg.Kind())
	assert.Equal(t, "TestApp", pkg.Identity().Name)
	assert.Equal(t, "CN=SomeCommonName", pkg.Identity().Publisher)
	assert.Equal(t, "1.0.0.0", pkg.Identity().Version)

	info := pkg.Info()
	assert.Equal(t, 3, info.FileCount)
	assert.Equal(t, 2, info.EncryptedCount)
	assert.Empty(t, info.Children)

	byName := make(map[string]msix.EntryInfo)
	for _, e := range pkg.Entries() {
		byName[e.Name] = e
	}
	assert.True(t, byName["Assets/logo.png"].Encrypted)
	assert.Equal(t, uint64(1500), byName["Assets/logo.png"].Size)
	assert.False(t, byName["readme.txt"].Encrypted)
	assert.False(t, byName["AppxManifest.xml"].Encrypted)
}

func TestUnpackWithoutFileHashCheck(t *testing.T) {
	pkg, err := msix.New(testutil.NewMockByteSource(buildMixedPackage(t)),
		msix.WithVerify(false))
	require.NoError(t, err)

	sink := msix.NewMemorySink()
	report, err := pkg.UnpackTo(context.Background(), sink, testKeyStore(t))
	require.NoError(t, err)
	require.NoError(t, report.Err())

	logo, ok := sink.File("Assets/logo.png")
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte("img"), 500), logo)
}

func TestUnpackToMemory(t *testing.T) {
	pkg, err := msix.New(testutil.NewMockByteSource(buildMixedPackage(t)))
	require.NoError(t, err)

	sink := msix.NewMemorySink()
	report, err := pkg.UnpackTo(context.Background(), sink, testKeyStore(t))
	require.NoError(t, err)
	require.NoError(t, report.Err())

	logo, ok := sink.File("Assets/logo.png")
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte("img"), 500), logo)

	app, ok := sink.File("bin/app.exe")
	require.True(t, ok)
	assert.Equal(t, bytes.Repeat([]byte{0xC3}, 70000), app)

	readme, ok := sink.File("readme.txt")
	require.True(t, ok)
	assert.Equal(t, []byte("plain readme"), readme)

	// The manifest and block map pass through unencrypted.
	_, ok = sink.File("AppxManifest.xml")
	assert.True(t, ok)
	_, ok = sink.File("AppxBlockMap.xml")
	assert.True(t, ok)
}

func TestUnpackMissingKeyIsPerFile(t *testing.T) {
	pkg, err := msix.New(testutil.NewMockByteSource(buildMixedPackage(t)))
	require.NoError(t, err)

	sink := msix.NewMemorySink()
	report, err := pkg.UnpackTo(context.Background(), sink, nil)
	require.NoError(t, err)

	// Encrypted files fail with the key error, plain files still land.
	require.Len(t, report.Failed, 2)
	for _, fe := range report.Failed {
		assert.ErrorIs(t, fe.Err, msix.ErrKeyNotFound)
	}
	assert.ErrorIs(t, report.Err(), msix.ErrKeyNotFound)

	_, ok := sink.File("readme.txt")
	assert.True(t, ok)
	_, ok = sink.File("Assets/logo.png")
	assert.False(t, ok)
}

func TestUnpackReportsMissingBlockMapFile(t *testing.T) {
	// A block map that lists a file the container does not carry.
	w := testutil.NewZipWriter()
	w.AddDeflate("AppxManifest.xml", []byte(
		`<Package><Identity Name="TestApp" Publisher="CN=SomeCommonName" Version="1.0.0.0"/></Package>`))
	w.AddDeflate("AppxBlockMap.xml", []byte(
		`<BlockMap HashMethod="http://www.w3.org/2001/04/xmlenc#sha256">`+
			`<File Name="ghost.bin" Size="0"/></BlockMap>`))

	pkg, err := msix.New(testutil.NewMockByteSource(w.Bytes()))
	require.NoError(t, err)

	report, err := pkg.UnpackTo(context.Background(), msix.NewMemorySink(), nil)
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "ghost.bin", report.Failed[0].Path)
	assert.ErrorIs(t, report.Failed[0].Err, msix.ErrStructure)
	assert.ErrorIs(t, report.Err(), msix.ErrStructure)
}

func TestUnpackCorruptedBlockIsPerFile(t *testing.T) {
	data := buildMixedPackage(t)

	// Flip a byte inside the stored ciphertext of bin/app.exe.
	container, err := zipfmt.OpenReader(testutil.NewMockByteSource(data))
	require.NoError(t, err)
	entry, ok := container.Entry("bin/app.exe")
	require.True(t, ok)
	section, err := container.DataSection(entry)
	require.NoError(t, err)
	head := make([]byte, 16)
	_, err = io.ReadFull(section, head)
	require.NoError(t, err)
	idx := bytes.Index(data, head)
	require.GreaterOrEqual(t, idx, 0)
	data[idx+100] ^= 0xFF

	pkg, err := msix.New(testutil.NewMockByteSource(data))
	require.NoError(t, err)

	sink := msix.NewMemorySink()
	report, err := pkg.UnpackTo(context.Background(), sink, testKeyStore(t))
	require.NoError(t, err)

	require.Len(t, report.Failed, 1)
	assert.Equal(t, "bin/app.exe", report.Failed[0].Path)
	assert.ErrorIs(t, report.Failed[0].Err, msix.ErrIntegrity)

	_, ok = sink.File("readme.txt")
	assert.True(t, ok)
	_, ok = sink.File("bin/app.exe")
	assert.False(t, ok)
}

func TestUnpackToDirectoryIdempotent(t *testing.T) {
	dir := t.TempDir()

	pkg, err := msix.New(testutil.NewMockByteSource(buildMixedPackage(t)))
	require.NoError(t, err)

	first, err := pkg.Unpack(context.Background(), dir, testKeyStore(t))
	require.NoError(t, err)
	require.NoError(t, first.Err())
	assert.NotEmpty(t, first.Extracted)
	assert.Empty(t, first.Skipped)

	got, err := os.ReadFile(filepath.Join(dir, "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, "plain readme", string(got))

	// A second run over the same destination skips everything.
	second, err := pkg.Unpack(context.Background(), dir, testKeyStore(t))
	require.NoError(t, err)
	assert.Empty(t, second.Extracted)
	assert.ElementsMatch(t, first.Extracted, second.Skipped)
}

func TestUnpackCancelled(t *testing.T) {
	pkg, err := msix.New(testutil.NewMockByteSource(buildMixedPackage(t)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = pkg.UnpackTo(ctx, msix.NewMemorySink(), testKeyStore(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUnpackRejectsBundle(t *testing.T) {
	bundle := &testutil.BundleBuilder{
		Children: []testutil.ChildSpec{
			{FileName: "app_x64.appx", Data: buildMixedPackage(t)},
		},
	}

	pkg, err := msix.New(testutil.NewMockByteSource(bundle.Build(t)))
	require.NoError(t, err)
	require.Equal(t, msix.KindBundle, pkg.Kind())

	_, err = pkg.UnpackTo(context.Background(), msix.NewMemorySink(), nil)
	assert.ErrorIs(t, err, msix.ErrFormat)
}

func TestOpenFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.msix")
	require.NoError(t, os.WriteFile(path, buildMixedPackage(t), 0o600))

	pkg, err := msix.Open(path)
	require.NoError(t, err)
	defer pkg.Close()

	assert.Equal(t, msix.KindPackage, pkg.Kind())
	require.NoError(t, pkg.Close())
}

func TestOpenRejectsGarbage(t *testing.T) {
	_, err := msix.New(testutil.NewMockByteSource([]byte(strings.Repeat("not a container ", 100))))
	assert.ErrorIs(t, err, msix.ErrStructure)
}

func TestVerify(t *testing.T) {
	pkg, err := msix.New(testutil.NewMockByteSource(buildMixedPackage(t)))
	require.NoError(t, err)

	report, err := pkg.Verify(context.Background(), testKeyStore(t))
	require.NoError(t, err)
	assert.NoError(t, report.Err())

	// Without keys, verification reports the encrypted files.
	report, err = pkg.Verify(context.Background(), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, report.Err(), msix.ErrKeyNotFound)
}

func TestUnbundleTwoChildren(t *testing.T) {
	childA := &testutil.PackageBuilder{
		Name: "AppA",
		Files: []testutil.FileSpec{
			{Name: `a.txt`, Data: []byte("from child a")},
		},
	}
	childB := &testutil.PackageBuilder{
		Name: "AppB",
		Files: []testutil.FileSpec{
			{Name: `b.txt`, Data: []byte("from child b")},
		},
	}

	bundle := &testutil.BundleBuilder{
		Children: []testutil.ChildSpec{
			{FileName: "appa_x64.appx", Architecture: "x64", Data: childA.Build(t)},
			{FileName: "appb_arm64.appx", Architecture: "arm64", Data: childB.Build(t)},
		},
	}

	pkg, err := msix.New(testutil.NewMockByteSource(bundle.Build(t)))
	require.NoError(t, err)
	require.Len(t, pkg.Children(), 2)

	dir := t.TempDir()
	reports, err := pkg.Unbundle(context.Background(), dir, nil)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	for _, cr := range reports {
		require.NoError(t, cr.Err)
		require.NoError(t, cr.Report.Err())
	}

	gotA, err := os.ReadFile(filepath.Join(dir, "appa_x64", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "from child a", string(gotA))

	gotB, err := os.ReadFile(filepath.Join(dir, "appb_arm64", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "from child b", string(gotB))
}

func TestUnbundleArchitectureFilter(t *testing.T) {
	child := &testutil.PackageBuilder{
		Files: []testutil.FileSpec{
			{Name: `a.txt`, Data: []byte("x64 only")},
		},
	}
	data := child.Build(t)

	bundle := &testutil.BundleBuilder{
		Children: []testutil.ChildSpec{
			{FileName: "app_x64.appx", Architecture: "x64", Data: data},
			{FileName: "app_arm64.appx", Architecture: "arm64", Data: data},
		},
	}

	pkg, err := msix.New(testutil.NewMockByteSource(bundle.Build(t)),
		msix.WithArchitecture("x64"))
	require.NoError(t, err)

	dir := t.TempDir()
	reports, err := pkg.Unbundle(context.Background(), dir, nil)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "app_x64.appx", reports[0].Name)

	_, err = os.Stat(filepath.Join(dir, "app_arm64"))
	assert.True(t, os.IsNotExist(err))
}

func TestBundleRejectsBadChildRange(t *testing.T) {
	child := &testutil.PackageBuilder{
		Files: []testutil.FileSpec{
			{Name: `a.txt`, Data: []byte("payload")},
		},
	}

	bundle := &testutil.BundleBuilder{
		Children: []testutil.ChildSpec{
			{FileName: "app.appx", Data: child.Build(t)},
		},
		BadRange: "app.appx",
	}

	_, err := msix.New(testutil.NewMockByteSource(bundle.Build(t)))
	assert.ErrorIs(t, err, msix.ErrStructure)
}

func TestBundleRejectsNestedBundle(t *testing.T) {
	leaf := &testutil.PackageBuilder{
		Files: []testutil.FileSpec{
			{Name: `a.txt`, Data: []byte("leaf")},
		},
	}
	inner := &testutil.BundleBuilder{
		Children: []testutil.ChildSpec{
			{FileName: "leaf.appx", Data: leaf.Build(t)},
		},
	}
	outer := &testutil.BundleBuilder{
		Children: []testutil.ChildSpec{
			{FileName: "inner.appxbundle", Data: inner.Build(t)},
		},
	}

	pkg, err := msix.New(testutil.NewMockByteSource(outer.Build(t)))
	require.NoError(t, err)

	_, err = pkg.Child(pkg.Children()[0])
	assert.ErrorIs(t, err, msix.ErrFormat)

	reports, err := pkg.Unbundle(context.Background(), t.TempDir(), nil)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.ErrorIs(t, reports[0].Err, msix.ErrFormat)
}

func TestKeyStoreFromFile(t *testing.T) {
	keys, err := msix.ParseKeyFile(strings.NewReader(`[Keys]
"8iBHoOceuO0lsmiRNJyAAvmOPCpau0nvEYeJfg6H4hU=" "BAheoEHgSsMqshmRvAQMO5/dff91n42OYG4Va0bqgL4="`))
	require.NoError(t, err)
	assert.Equal(t, 1, keys.Len())

	merged := msix.NewKeyStore()
	merged.Merge(keys)
	merged.AddTestKey()
	assert.Equal(t, 2, merged.Len())
}
