// Package http provides a byte source backed by HTTP range requests, so
// remote containers can be inspected and extracted without downloading
// them whole.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
)

// Source implements random access reads via HTTP range requests.
// It satisfies msix.ByteSource (io.ReaderAt plus Size).
type Source struct {
	url     string
	client  *nethttp.Client
	headers nethttp.Header
	size    int64
}

// Option configures a Source.
type Option func(*Source)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Source) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Source) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Source) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// NewSource creates a Source backed by HTTP range requests.
// It probes the remote to determine the content size and to confirm the
// server honors range requests.
func NewSource(url string, opts ...Option) (*Source, error) {
	s := &Source{
		url:    url,
		client: nethttp.DefaultClient,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}

	size, err := s.fetchSize()
	if err != nil {
		return nil, err
	}
	s.size = size
	return s, nil
}

// Size returns the total size of the remote content.
func (s *Source) Size() int64 {
	return s.size
}

// ReadAt reads len(p) bytes from the remote at the given offset using
// HTTP range requests. It implements [io.ReaderAt]. If fewer bytes are
// available than requested, it returns the number read along with io.EOF.
func (s *Source) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if off >= s.size {
		return 0, io.EOF
	}

	end := off + int64(len(p)) - 1
	expected := len(p)
	if end >= s.size {
		end = s.size - 1
		expected = int(end - off + 1)
	}

	resp, err := s.rangeRequest(off, end)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
		// ok
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	case nethttp.StatusOK:
		return 0, errors.New("range requests not supported")
	default:
		return 0, fmt.Errorf("range request failed: %s", resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:expected])
	if err != nil {
		return n, err
	}
	if expected < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// fetchSize retrieves the content size from the remote server. It first
// attempts a HEAD request, then verifies with a range probe.
func (s *Source) fetchSize() (int64, error) {
	headSize := int64(-1)
	if resp, err := s.doHead(); err == nil {
		headSize = resp.ContentLength
		resp.Body.Close()
	}

	rangeSize, err := s.rangeProbe()
	if err != nil {
		return 0, err
	}
	if headSize > 0 && headSize != rangeSize {
		return 0, fmt.Errorf("content size mismatch: head=%d range=%d", headSize, rangeSize)
	}
	return rangeSize, nil
}

// rangeProbe verifies range request support and extracts content size
// from Content-Range.
func (s *Source) rangeProbe() (int64, error) {
	req, err := s.newRequest(nethttp.MethodGet)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != nethttp.StatusPartialContent {
		if resp.StatusCode == nethttp.StatusOK {
			return 0, errors.New("range requests not supported")
		}
		return 0, fmt.Errorf("range probe failed: %s", resp.Status)
	}

	crange := resp.Header.Get("Content-Range")
	if crange == "" {
		return 0, errors.New("range probe missing Content-Range")
	}
	return parseContentRange(crange)
}

// doHead performs a HEAD request to retrieve metadata without body content.
func (s *Source) doHead() (*nethttp.Response, error) {
	req, err := s.newRequest(nethttp.MethodHead)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

// newRequest creates an HTTP request with configured headers.
func (s *Source) newRequest(method string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(context.Background(), method, s.url, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

// rangeRequest performs a GET request for the specified byte range.
func (s *Source) rangeRequest(off, end int64) (*nethttp.Response, error) {
	req, err := s.newRequest(nethttp.MethodGet)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, end))
	return s.client.Do(req)
}

// parseContentRange extracts the total size from a Content-Range header
// value of the form "bytes start-end/size".
func parseContentRange(value string) (int64, error) {
	value = strings.TrimSpace(value)
	if !strings.HasPrefix(value, "bytes ") {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	parts := strings.SplitN(strings.TrimPrefix(value, "bytes "), "/", 2)
	if len(parts) != 2 || parts[1] == "*" {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return size, nil
}
