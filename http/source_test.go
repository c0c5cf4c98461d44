package http_test

import (
	"bytes"
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veldra/msix"
	msixhttp "github.com/veldra/msix/http"
	"github.com/veldra/msix/internal/testutil"
)

func TestSourceReadAt(t *testing.T) {
	data := []byte("hello world")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.ServeContent(w, r, "data", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	src, err := msixhttp.NewSource(server.URL)
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	if src.Size() != int64(len(data)) {
		t.Fatalf("Size() = %d, want %d", src.Size(), len(data))
	}

	buf := make([]byte, 5)
	n, err := src.ReadAt(buf, 6)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != len(buf) {
		t.Fatalf("ReadAt() n = %d, want %d", n, len(buf))
	}
	if string(buf) != "world" {
		t.Fatalf("ReadAt() got %q, want %q", string(buf), "world")
	}

	edge := make([]byte, 10)
	n, err = src.ReadAt(edge, int64(len(data)-3))
	if err != io.EOF {
		t.Fatalf("ReadAt() error = %v, want io.EOF", err)
	}
	if n != 3 {
		t.Fatalf("ReadAt() n = %d, want 3", n)
	}
	if string(edge[:n]) != "rld" {
		t.Fatalf("ReadAt() got %q, want %q", string(edge[:n]), "rld")
	}
}

func TestSourceRangeUnsupported(t *testing.T) {
	data := []byte("range unsupported")
	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method == nethttp.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)

	_, err := msixhttp.NewSource(server.URL)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestSourceOpensRemotePackage(t *testing.T) {
	builder := &testutil.PackageBuilder{
		Files: []testutil.FileSpec{
			{Name: `Assets\logo.png`, Data: []byte("remote payload")},
		},
	}
	data := builder.Build(t)

	server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		nethttp.ServeContent(w, r, "app.msix", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)

	src, err := msixhttp.NewSource(server.URL)
	require.NoError(t, err)

	pkg, err := msix.New(src)
	require.NoError(t, err)
	require.Equal(t, msix.KindPackage, pkg.Kind())

	sink := msix.NewMemorySink()
	report, err := pkg.UnpackTo(context.Background(), sink, nil)
	require.NoError(t, err)
	require.NoError(t, report.Err())

	content, ok := sink.File("Assets/logo.png")
	require.True(t, ok)
	require.Equal(t, []byte("remote payload"), content)
}
