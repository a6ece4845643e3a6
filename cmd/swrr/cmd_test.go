package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonwraymond/swrr/backplane"
	"github.com/jonwraymond/swrr/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	root := newRootCmd("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swrr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestKeyCmd(t *testing.T) {
	out, err := execute(t, "key", "posts", "my-slug")
	require.NoError(t, err)
	assert.Equal(t, "posts::f75db37be2bee57123bdb9b8655967bdf834c222\n", out)

	out, err = execute(t, "key", "settings")
	require.NoError(t, err)
	assert.Equal(t, "settings\n", out)

	_, err = execute(t, "key", " ")
	assert.Error(t, err)

	_, err = execute(t, "key")
	assert.Error(t, err)
}

func TestParseArg(t *testing.T) {
	assert.Equal(t, "my-slug", parseArg("my-slug", false))
	assert.Equal(t, json.Number("10"), parseArg("10", false))
	assert.Equal(t, "10", parseArg("10", true))
	assert.Equal(t, true, parseArg("true", false))
	assert.Nil(t, parseArg("null", false))
	assert.Equal(t, map[string]any{"tag": "go"}, parseArg(`{"tag":"go"}`, false))
	assert.Equal(t, "1 2", parseArg("1 2", false), "trailing values fall back to a string")
}

func TestConfigValidateCmd(t *testing.T) {
	path := writeConfig(t, "backplane:\n  kind: response\n")

	out, err := execute(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "backplane: response")

	bad := writeConfig(t, "backplane:\n  kind: s3\n")
	_, err = execute(t, "config", "validate", "--config", bad)
	assert.ErrorIs(t, err, config.ErrMissingBucket)
}

func TestNewBackplane(t *testing.T) {
	ctx := context.Background()

	for _, kind := range []string{config.BackplaneMemory, config.BackplaneResponse} {
		bp, err := newBackplane(ctx, config.BackplaneConfig{Kind: kind}, backplane.Inline{})
		require.NoError(t, err, kind)
		assert.NotNil(t, bp, kind)
	}

	_, err := newBackplane(ctx, config.BackplaneConfig{Kind: "redis"}, backplane.Inline{})
	assert.ErrorIs(t, err, config.ErrInvalidBackplaneKind)
}

// origin is a test upstream that counts requests per path.
type origin struct {
	*httptest.Server
	hits atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()

	o := &origin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := o.hits.Add(1)
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/broken":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			fmt.Fprintf(w, "%s?%s #%d", r.URL.Path, r.URL.RawQuery, n)
		}
	}))
	t.Cleanup(o.Close)
	return o
}

func newTestApp(t *testing.T, upstream string) *app {
	t.Helper()

	path := writeConfig(t, fmt.Sprintf(`
cache:
  ttl: 1m
  max_ttl: 2m
observe:
  metrics:
    enabled: false
  logging:
    enabled: false
server:
  upstream: %s
`, upstream))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	a, err := newApp(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = a.shutdown(context.Background(), cfg)
	})
	return a
}

func (a *app) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.deferrer.Wait(ctx))
	return rec
}

func TestServe_CachesUpstream(t *testing.T) {
	o := newOrigin(t)
	a := newTestApp(t, o.URL)

	first := a.do(t, http.MethodGet, "/posts/my-slug?lang=en")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "/posts/my-slug?lang=en #1", first.Body.String())

	second := a.do(t, http.MethodGet, "/posts/my-slug?lang=en")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "/posts/my-slug?lang=en #1", second.Body.String(), "second request served from cache")
	assert.Equal(t, int32(1), o.hits.Load())

	other := a.do(t, http.MethodGet, "/posts/other")
	assert.Equal(t, "/posts/other? #2", other.Body.String())
}

func TestServe_UpstreamErrorsAreNotCached(t *testing.T) {
	o := newOrigin(t)
	a := newTestApp(t, o.URL)

	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/missing").Code)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/missing").Code)
	assert.Equal(t, http.StatusBadGateway, a.do(t, http.MethodGet, "/broken").Code)
	assert.Equal(t, int32(3), o.hits.Load())
}

func TestServe_MethodNotAllowed(t *testing.T) {
	o := newOrigin(t)
	a := newTestApp(t, o.URL)

	rec := a.do(t, http.MethodPost, "/posts")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, int32(0), o.hits.Load())
}

func TestServe_HealthEndpoints(t *testing.T) {
	o := newOrigin(t)
	a := newTestApp(t, o.URL)

	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/healthz").Code)

	ready := a.do(t, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, ready.Code)
	assert.Contains(t, ready.Body.String(), `"status":"healthy"`)
	assert.Equal(t, int32(0), o.hits.Load(), "probes never reach the origin")
}

func TestNewApp_RequiresUpstream(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "observe:\n  metrics:\n    enabled: false\n"))
	require.NoError(t, err)

	_, err = newApp(context.Background(), cfg)
	assert.Error(t, err)
}
