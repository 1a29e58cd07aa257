package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/http2"

	"github.com/geopyramid/tilestore/worker"
)

// HTTPContext implements Context over a read-only HTTP origin. Ranged reads
// use Range requests; Exists and Size use HEAD. Write is not supported.
//
// Connection reuse is kept worker-local: each worker goroutine gets its own
// client with its own transport from a per-worker pool, so no worker
// contends on another's connections. Callers without a worker identity
// share a fallback client.
type HTTPContext struct {
	origin  string
	timeout time.Duration

	clients  *worker.Pool[*http.Client]
	fallback *http.Client

	opened atomic.Bool
	closed atomic.Bool
}

// NewHTTPContext creates an unopened HTTP context for the given origin URL.
func NewHTTPContext(origin string, cfg Config) (*HTTPContext, error) {
	if origin == "" {
		return nil, fmt.Errorf("%w: empty origin URL", ErrConfig)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &HTTPContext{
		origin:  strings.TrimSuffix(origin, "/"),
		timeout: timeout,
	}, nil
}

// Type returns TypeHTTP.
func (hc *HTTPContext) Type() Type {
	return TypeHTTP
}

// Location returns the origin URL.
func (hc *HTTPContext) Location() string {
	return hc.origin
}

// Open validates the origin URL and prepares the client pool. Idempotent
// while open.
func (hc *HTTPContext) Open(ctx context.Context) error {
	if hc.closed.Load() {
		return ErrClosed
	}
	if hc.opened.Load() {
		return nil
	}

	base, err := url.Parse(hc.origin)
	if err != nil {
		return fmt.Errorf("%w: parsing origin %q: %v", ErrConfig, hc.origin, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return fmt.Errorf("%w: origin %q must be http or https", ErrConfig, hc.origin)
	}
	if base.Host == "" {
		return fmt.Errorf("%w: origin %q has no host", ErrConfig, hc.origin)
	}

	fallback, err := hc.newClient()
	if err != nil {
		return err
	}

	hc.fallback = fallback
	hc.clients = worker.NewPool(func(worker.ID) (*http.Client, error) {
		return hc.newClient()
	})
	hc.opened.Store(true)
	return nil
}

// newClient builds an HTTP/2-capable client with its own transport.
func (hc *HTTPContext) newClient() (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        8,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configuring http2 transport: %w", err)
	}

	return &http.Client{
		Transport: transport,
		Timeout:   hc.timeout,
	}, nil
}

// client returns the calling worker's client, or the shared fallback when
// the context carries no worker identity.
func (hc *HTTPContext) client(ctx context.Context) (*http.Client, error) {
	if _, ok := worker.IDFrom(ctx); !ok {
		return hc.fallback, nil
	}
	return hc.clients.Get(ctx)
}

// Read returns length bytes of the named object starting at off using a
// Range request. A negative length reads through the end of the object.
func (hc *HTTPContext) Read(ctx context.Context, name string, off, length int64) ([]byte, error) {
	if err := hc.ready(); err != nil {
		return nil, err
	}
	if off < 0 {
		return nil, fmt.Errorf("negative read offset %d", off)
	}
	if length == 0 {
		return []byte{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.objectURL(name), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	ranged := off > 0 || length > 0
	if ranged {
		if length > 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+length-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", off))
		}
	}

	client, err := hc.client(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		return data, nil
	case http.StatusOK:
		// Origin ignored the Range header; slice the window out of the
		// full body.
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		if !ranged {
			return data, nil
		}
		if off >= int64(len(data)) {
			return []byte{}, nil
		}
		data = data[off:]
		if length > 0 && length < int64(len(data)) {
			data = data[:length]
		}
		return data, nil
	default:
		return nil, hc.statusError(resp, name)
	}
}

// ReadAll returns the entire named object.
func (hc *HTTPContext) ReadAll(ctx context.Context, name string) ([]byte, error) {
	return hc.Read(ctx, name, 0, -1)
}

// Write is not supported on an HTTP origin.
func (hc *HTTPContext) Write(ctx context.Context, name string, data []byte) error {
	if err := hc.ready(); err != nil {
		return err
	}
	return fmt.Errorf("%w: write to http origin", ErrUnsupported)
}

// Exists reports whether the named object is present, using a HEAD request.
func (hc *HTTPContext) Exists(ctx context.Context, name string) (bool, error) {
	if err := hc.ready(); err != nil {
		return false, err
	}

	resp, err := hc.head(ctx, name)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound, http.StatusGone:
		return false, nil
	default:
		return false, hc.statusError(resp, name)
	}
}

// Size returns the Content-Length reported by a HEAD request.
func (hc *HTTPContext) Size(ctx context.Context, name string) (int64, error) {
	if err := hc.ready(); err != nil {
		return 0, err
	}

	resp, err := hc.head(ctx, name)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		if resp.ContentLength < 0 {
			return 0, fmt.Errorf("origin reported no content length for %s", name)
		}
		return resp.ContentLength, nil
	default:
		return 0, hc.statusError(resp, name)
	}
}

// Close shuts the client pool down and releases idle connections. Safe to
// call more than once.
func (hc *HTTPContext) Close() error {
	if hc.closed.Swap(true) {
		return nil
	}
	if hc.clients != nil {
		hc.clients.Shutdown(func(c *http.Client) {
			c.CloseIdleConnections()
		})
	}
	if hc.fallback != nil {
		hc.fallback.CloseIdleConnections()
	}
	return nil
}

func (hc *HTTPContext) head(ctx context.Context, name string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, hc.objectURL(name), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	client, err := hc.client(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", name, err)
	}
	return resp, nil
}

func (hc *HTTPContext) ready() error {
	if hc.closed.Load() {
		return ErrClosed
	}
	if !hc.opened.Load() {
		return fmt.Errorf("%w: context not open", ErrConfig)
	}
	return nil
}

func (hc *HTTPContext) objectURL(name string) string {
	return hc.origin + "/" + strings.TrimPrefix(name, "/")
}

// statusError normalizes an unexpected origin status to the shared
// taxonomy.
func (hc *HTTPContext) statusError(resp *http.Response, name string) error {
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: origin refused access to %s (status %d)", ErrConfig, name, resp.StatusCode)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("origin returned status %d for %s: %s", resp.StatusCode, name, strings.TrimSpace(string(body)))
}

var _ Context = (*HTTPContext)(nil)
