package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxUpstreamBody caps how much of an origin response is cached.
const maxUpstreamBody = 32 << 20

var errBodyTooLarge = errors.New("upstream: response body exceeds limit")

// UpstreamError reports a non-2xx origin response. It is a computation
// failure, so nothing is cached for it.
type UpstreamError struct {
	URL        string
	StatusCode int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream: %s returned %d", e.URL, e.StatusCode)
}

// upstream fetches paths relative to an origin base URL.
type upstream struct {
	base   *url.URL
	client *http.Client
}

func newUpstream(raw string, timeout time.Duration) (*upstream, error) {
	if raw == "" {
		return nil, errors.New("upstream: server.upstream is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse %q: %w", raw, err)
	}
	if (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("upstream: %q must be an absolute http(s) URL", raw)
	}
	return &upstream{base: base, client: &http.Client{Timeout: timeout}}, nil
}

// resolve appends the request path and query of target to the base URL.
func (u *upstream) resolve(target string) (string, error) {
	ref, err := url.ParseRequestURI(target)
	if err != nil {
		return "", fmt.Errorf("upstream: bad request target %q: %w", target, err)
	}
	full := *u.base
	full.Path = strings.TrimRight(u.base.Path, "/") + ref.Path
	full.RawPath = ""
	full.RawQuery = ref.RawQuery
	return full.String(), nil
}

// fetch GETs target from the origin. target is a request URI such as
// "/posts/my-slug?lang=en".
func (u *upstream) fetch(ctx context.Context, target string) ([]byte, error) {
	full, err := u.resolve(target)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &UpstreamError{URL: full, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody+1))
	if err != nil {
		return nil, fmt.Errorf("upstream: read %s: %w", full, err)
	}
	if len(body) > maxUpstreamBody {
		return nil, errBodyTooLarge
	}
	return body, nil
}
