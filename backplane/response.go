package backplane

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonwraymond/swrr/cache"
)

// ResponseOrigin prefixes every key to form the cache URL. The address is
// reserved and never routed.
const ResponseOrigin = "http://192.0.0.1/__swrr__/"

// MetadataHeader carries the JSON-encoded cache.Metadata.
const MetadataHeader = "X-Metadata"

// ErrNoMetadataHeader is returned when a cached response lacks MetadataHeader.
var ErrNoMetadataHeader = errors.New("backplane: cached response has no metadata header")

// ResponseStore is a cache of HTTP responses keyed by URL, in the manner of
// a CDN or service-worker cache.
//
// Contract:
//   - Match returns (nil, nil) when nothing is stored.
//   - Save honors the response's cache-control max-age as its horizon.
//   - The caller closes the body of a matched response.
type ResponseStore interface {
	Match(ctx context.Context, url string) (*http.Response, error)
	Save(ctx context.Context, url string, resp *http.Response) error
}

// Response is a backplane over a ResponseStore.
type Response struct {
	store ResponseStore
	opts  options
}

// NewResponse creates a Response backplane.
func NewResponse(store ResponseStore, opts ...Option) (*Response, error) {
	if store == nil {
		return nil, errors.New("backplane: nil response store")
	}
	return &Response{store: store, opts: newOptions(opts)}, nil
}

// URL maps a cache key to its response URL.
func (r *Response) URL(key string) string {
	return ResponseOrigin + key
}

// Read looks up the response for key.
func (r *Response) Read(ctx context.Context, key string, _ cache.Type, _ time.Duration) (cache.Result, error) {
	resp, err := r.store.Match(ctx, r.URL(key))
	if err != nil {
		return cache.Result{}, fmt.Errorf("backplane: match %q: %w", key, err)
	}
	if resp == nil {
		return cache.Result{}, nil
	}
	defer resp.Body.Close()

	raw := resp.Header.Get(MetadataHeader)
	if raw == "" {
		return cache.Result{}, ErrNoMetadataHeader
	}
	var md cache.Metadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		return cache.Result{}, fmt.Errorf("backplane: decode metadata for %q: %w", key, err)
	}

	value, err := io.ReadAll(resp.Body)
	if err != nil {
		return cache.Result{}, fmt.Errorf("backplane: read body for %q: %w", key, err)
	}
	if value == nil {
		value = []byte{}
	}

	return cache.Result{Value: value, Metadata: &md}, nil
}

// Put saves value as a response that the store keeps for maxTTL.
func (r *Response) Put(ctx context.Context, key string, value []byte, md cache.Metadata, maxTTL time.Duration) (bool, error) {
	if maxTTL <= 0 {
		return false, nil
	}

	rawMD, err := json.Marshal(md)
	if err != nil {
		return false, fmt.Errorf("backplane: encode metadata for %q: %w", key, err)
	}

	header := make(http.Header)
	header.Set("Cache-Control", CacheControl(maxTTL))
	header.Set("Content-Type", "application/octet-stream")
	header.Set(MetadataHeader, string(rawMD))

	resp := &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(value)),
		ContentLength: int64(len(value)),
	}

	if err := r.store.Save(ctx, r.URL(key), resp); err != nil {
		return false, fmt.Errorf("backplane: save %q: %w", key, err)
	}
	return true, nil
}

// Defer hands task to the configured Deferrer.
func (r *Response) Defer(task func(ctx context.Context)) {
	r.opts.deferrer.Defer(task)
}

// CacheControl renders a public cache-control value for the given horizon,
// rounded up to whole seconds.
func CacheControl(maxTTL time.Duration) string {
	secs := int64((maxTTL + time.Second - 1) / time.Second)
	return "public,max-age=" + strconv.FormatInt(secs, 10)
}

// MaxAge extracts max-age from a cache-control value. It reports false when
// the directive is absent or the response must not be stored.
func MaxAge(cacheControl string) (time.Duration, bool) {
	var (
		age   time.Duration
		found bool
	)
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		switch {
		case directive == "no-store", directive == "private":
			return 0, false
		case strings.HasPrefix(directive, "max-age="):
			n, err := strconv.ParseInt(strings.TrimPrefix(directive, "max-age="), 10, 64)
			if err != nil || n <= 0 {
				return 0, false
			}
			age, found = time.Duration(n)*time.Second, true
		}
	}
	return age, found
}

// MemoryResponseStore keeps serialized responses in memory and honors
// cache-control max-age.
type MemoryResponseStore struct {
	mu      sync.RWMutex
	entries map[string]*storedResponse
	now     func() time.Time
}

type storedResponse struct {
	raw       []byte
	expiresAt time.Time
}

// NewMemoryResponseStore creates an empty store. A nil clock uses time.Now.
func NewMemoryResponseStore(now func() time.Time) *MemoryResponseStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryResponseStore{
		entries: make(map[string]*storedResponse),
		now:     now,
	}
}

// Match returns a fresh copy of the stored response.
func (s *MemoryResponseStore) Match(_ context.Context, url string) (*http.Response, error) {
	s.mu.RLock()
	entry, ok := s.entries[url]
	s.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if !s.now().Before(entry.expiresAt) {
		s.mu.Lock()
		if cur, ok := s.entries[url]; ok && cur == entry {
			delete(s.entries, url)
		}
		s.mu.Unlock()
		return nil, nil
	}

	return http.ReadResponse(bufio.NewReader(bytes.NewReader(entry.raw)), nil)
}

// Save serializes resp and consumes its body. Responses without a usable
// max-age are not stored.
func (s *MemoryResponseStore) Save(_ context.Context, url string, resp *http.Response) error {
	age, ok := MaxAge(resp.Header.Get("Cache-Control"))
	if !ok {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil
	}

	raw, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[url] = &storedResponse{raw: raw, expiresAt: s.now().Add(age)}
	s.mu.Unlock()
	return nil
}

var (
	_ cache.Backplane = (*Response)(nil)
	_ ResponseStore   = (*MemoryResponseStore)(nil)
)
