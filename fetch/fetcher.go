package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/ebcl-build/imgforge/internal/cache"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// NetworkError wraps a transport or HTTP-status failure after retries are
// exhausted.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("fetch: %s: %v", e.URL, e.Err) }
func (e *NetworkError) Unwrap() error  { return e.Err }

// IntegrityError reports a checksum mismatch between the downloaded
// content and the caller's expected hash.
type IntegrityError struct {
	URL       string
	Got, Want string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("fetch: %s: hash mismatch: got %s, want %s", e.URL, e.Got, e.Want)
}

// NotFoundError reports a 404 response. The Resolver may absorb this on an
// alternative dependency branch rather than treating it as fatal.
type NotFoundError struct{ URL string }

func (e *NotFoundError) Error() string { return fmt.Sprintf("fetch: %s: not found", e.URL) }

// Fetcher downloads URLs into a shared cache.Cache, retrying transient
// failures with exponential backoff and deduplicating concurrent requests
// for the same URL via single-flight.
type Fetcher struct {
	client *retryablehttp.Client
	cache  *cache.Cache
	group  singleflight.Group
	log    zerolog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger attaches a zerolog.Logger for per-fetch Debug/Warn events.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Fetcher) { f.log = l }
}

// WithHTTPClient overrides the underlying *http.Client (e.g. to honor
// HTTP_PROXY/HTTPS_PROXY via http.ProxyFromEnvironment, which is already
// the http.DefaultTransport default and so requires no extra wiring for
// the common case; tests use this to point at an httptest.Server).
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client.HTTPClient = c }
}

// New builds a Fetcher backed by c, with a retryablehttp.Client configured
// for up to 5 attempts with exponential backoff, per spec §4.1.
func New(c *cache.Cache, opts ...Option) *Fetcher {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4 // retries after the first attempt: 5 attempts in all
	rc.RetryWaitMin = 50 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil // the caller's zerolog.Logger carries our own messages instead

	f := &Fetcher{client: rc, cache: c, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves url into the cache and returns the local path of the
// verified content. If expectedHash is non-empty and already present in
// the cache, Fetch performs zero network I/O.
func (f *Fetcher) Fetch(ctx context.Context, url, expectedHash string) (string, error) {
	if expectedHash != "" && f.cache.HasBlob(expectedHash) {
		f.log.Debug().Str("url", url).Msg("fetch: cache hit")
		return f.cache.BlobPath(expectedHash), nil
	}

	v, err, _ := f.group.Do(url, func() (interface{}, error) {
		return f.download(ctx, url, expectedHash)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// download fetches url once, and on an IntegrityError invalidates the
// cache entry at expectedHash and retries exactly once before surfacing
// the error (spec §7).
func (f *Fetcher) download(ctx context.Context, url, expectedHash string) (string, error) {
	path, err := f.downloadOnce(ctx, url, expectedHash)
	var integrityErr *IntegrityError
	if errors.As(err, &integrityErr) {
		f.log.Warn().Str("url", url).Str("want", expectedHash).Msg("fetch: integrity mismatch, invalidating and retrying once")
		if expectedHash != "" {
			if invErr := f.cache.InvalidateBlob(expectedHash); invErr != nil {
				f.log.Warn().Str("url", url).Err(invErr).Msg("fetch: invalidating cache entry")
			}
		}
		return f.downloadOnce(ctx, url, expectedHash)
	}
	return path, err
}

func (f *Fetcher) downloadOnce(ctx context.Context, url, expectedHash string) (string, error) {
	partPath := f.partPath(url)
	offset := int64(0)
	if info, err := os.Stat(partPath); err == nil {
		offset = info.Size()
	}

	part, err := os.OpenFile(partPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", &NetworkError{URL: url, Err: err}
	}
	defer part.Close()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &NetworkError{URL: url, Err: err}
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	f.log.Debug().Str("url", url).Int64("offset", offset).Msg("fetch: requesting")
	resp, err := f.client.Do(req)
	if err != nil {
		f.cleanupPart(partPath, false)
		return "", &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		f.cleanupPart(partPath, false)
		return "", &NotFoundError{URL: url}
	case http.StatusOK:
		// Server ignored our Range request (or none was sent); restart.
		if offset > 0 {
			if err := part.Truncate(0); err != nil {
				return "", &NetworkError{URL: url, Err: err}
			}
			if _, err := part.Seek(0, io.SeekStart); err != nil {
				return "", &NetworkError{URL: url, Err: err}
			}
		}
	case http.StatusPartialContent:
		if _, err := part.Seek(0, io.SeekEnd); err != nil {
			return "", &NetworkError{URL: url, Err: err}
		}
	default:
		resumable := resp.Header.Get("Accept-Ranges") == "bytes"
		f.cleanupPart(partPath, resumable && ctx.Err() != nil)
		return "", &NetworkError{URL: url, Err: fmt.Errorf("unexpected status %s", resp.Status)}
	}

	if _, err := io.Copy(part, resp.Body); err != nil {
		resumable := resp.Header.Get("Accept-Ranges") == "bytes"
		f.cleanupPart(partPath, resumable && ctx.Err() != nil)
		return "", &NetworkError{URL: url, Err: err}
	}
	if err := part.Close(); err != nil {
		return "", &NetworkError{URL: url, Err: err}
	}

	verified, err := os.Open(partPath)
	if err != nil {
		return "", &NetworkError{URL: url, Err: err}
	}
	defer verified.Close()

	digest, err := f.cache.PutBlob(verified, expectedHash, url)
	if err != nil {
		got := fileSHA256(partPath)
		os.Remove(partPath)
		if expectedHash != "" {
			return "", &IntegrityError{URL: url, Got: got, Want: expectedHash}
		}
		return "", &NetworkError{URL: url, Err: err}
	}
	os.Remove(partPath)

	f.log.Debug().Str("url", url).Str("sha256", digest).Msg("fetch: complete")
	return f.cache.BlobPath(digest), nil
}

func (f *Fetcher) partPath(url string) string {
	h := sha256.Sum256([]byte(url))
	return filepath.Join(f.cache.Root(), "staging", "."+hex.EncodeToString(h[:])+".part")
}

func (f *Fetcher) cleanupPart(path string, keep bool) {
	if !keep {
		os.Remove(path)
	}
}

func fileSHA256(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
