package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonwraymond/swrr/observe"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.UnixMilli(0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Set moves the clock to sec seconds after the epoch.
func (c *testClock) Set(sec int) {
	c.mu.Lock()
	c.t = time.UnixMilli(int64(sec) * 1000)
	c.mu.Unlock()
}

type testEntry struct {
	value   []byte
	md      Metadata
	horizon time.Time
}

// testBackplane is an in-memory Backplane that enforces the horizon and can
// either run deferred tasks inline or queue them for an explicit flush.
type testBackplane struct {
	mu       sync.Mutex
	now      func() time.Time
	entries  map[string]testEntry
	queue    bool
	deferred []func(context.Context)
	readErr  error
	putErr   error
	reject   bool
	puts     int
}

func newTestBackplane(now func() time.Time) *testBackplane {
	return &testBackplane{now: now, entries: make(map[string]testEntry)}
}

func (b *testBackplane) Read(_ context.Context, key string, _ Type, _ time.Duration) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.readErr != nil {
		return Result{}, b.readErr
	}
	e, ok := b.entries[key]
	if !ok || !b.now().Before(e.horizon) {
		delete(b.entries, key)
		return Result{}, nil
	}
	md := e.md
	return Result{Value: bytes.Clone(e.value), Metadata: &md}, nil
}

func (b *testBackplane) Put(_ context.Context, key string, value []byte, md Metadata, maxTTL time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.puts++
	if b.putErr != nil {
		return false, b.putErr
	}
	if b.reject {
		return false, nil
	}
	b.entries[key] = testEntry{value: bytes.Clone(value), md: md, horizon: b.now().Add(maxTTL)}
	return true, nil
}

func (b *testBackplane) Defer(task func(ctx context.Context)) {
	b.mu.Lock()
	if b.queue {
		b.deferred = append(b.deferred, task)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()
	task(context.Background())
}

func (b *testBackplane) flush() {
	b.mu.Lock()
	tasks := b.deferred
	b.deferred = nil
	b.mu.Unlock()

	for _, task := range tasks {
		task(context.Background())
	}
}

func (b *testBackplane) entry(key string) (testEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[key]
	return e, ok
}

// counter is a computation that returns its call count, failing while fail is set.
type counter struct {
	mu    sync.Mutex
	calls int
	fail  error
}

func (c *counter) fn(_ context.Context, _ ...any) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail != nil {
		return 0, c.fail
	}
	return c.calls, nil
}

func (c *counter) setFail(err error) {
	c.mu.Lock()
	c.fail = err
	c.mu.Unlock()
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func lifetimes(ttl, maxTTL, errorTTL int) Options {
	return Options{Lifetimes: Lifetimes{
		TTL:      time.Duration(ttl) * time.Second,
		MaxTTL:   time.Duration(maxTTL) * time.Second,
		ErrorTTL: time.Duration(errorTTL) * time.Second,
	}}
}

type harness struct {
	clock *testClock
	bp    *testBackplane
	comp  *counter
	logs  *bytes.Buffer
	call  Func[int]
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{clock: newTestClock(), comp: &counter{}, logs: &bytes.Buffer{}}
	h.bp = newTestBackplane(h.clock.Now)

	mw := observe.NewMiddleware(observe.NewNoopTracer(), observe.NewNoopMetrics(), observe.NewLoggerWithWriter("debug", h.logs))
	b, err := NewBroker(h.bp, WithClock(h.clock.Now), WithMiddleware(mw))
	if err != nil {
		t.Fatalf("NewBroker() error = %v", err)
	}

	h.call, err = Wrap(b, "posts", h.comp.fn, opts)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	return h
}

func (h *harness) get(t *testing.T, at int) int {
	t.Helper()
	h.clock.Set(at)
	v, err := h.call(context.Background(), "my-slug")
	if err != nil {
		t.Fatalf("t=%d: unexpected error %v", at, err)
	}
	return v
}

func TestBroker_MissComputesAndPersists(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 7))
	h.clock.Set(100)

	v, err := h.call(context.Background(), "my-slug")
	if err != nil || v != 1 {
		t.Fatalf("first call = %d, %v; want 1, nil", v, err)
	}

	e, ok := h.bp.entry("posts::f75db37be2bee57123bdb9b8655967bdf834c222")
	if !ok {
		t.Fatal("value was not persisted under the derived key")
	}
	if string(e.value) != "1" {
		t.Errorf("stored value = %q, want %q", e.value, "1")
	}
	if e.md.ExpireAt != 105_000 || e.md.ErrorExpireAt != 107_000 {
		t.Errorf("metadata = %+v, want expireAt=105000 errorExpireAt=107000", e.md)
	}
	if !e.horizon.Equal(time.UnixMilli(108_000)) {
		t.Errorf("horizon = %v, want t=108s", e.horizon)
	}
}

func TestBroker_MissReturnsBeforePersist(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 0))
	h.bp.queue = true

	if v := h.get(t, 0); v != 1 {
		t.Fatalf("got %d, want 1", v)
	}
	if h.bp.puts != 0 {
		t.Fatal("put should be deferred, not on the caller's path")
	}

	h.bp.flush()
	if h.bp.puts != 1 {
		t.Errorf("puts = %d after flush, want 1", h.bp.puts)
	}
}

func TestBroker_FreshHitSkipsComputation(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 0))

	for _, at := range []int{0, 1, 4} {
		if v := h.get(t, at); v != 1 {
			t.Errorf("t=%d: got %d, want 1", at, v)
		}
	}
	if h.comp.count() != 1 {
		t.Errorf("computations = %d, want 1", h.comp.count())
	}
}

// TestBroker_StaleServesThenRefreshes verifies a stale read returns the old
// value immediately and the refreshed value becomes visible afterward.
func TestBroker_StaleServesThenRefreshes(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 0))
	h.get(t, 0)

	h.bp.queue = true
	if v := h.get(t, 5); v != 1 {
		t.Fatalf("stale read = %d, want the cached 1", v)
	}
	if h.comp.count() != 1 {
		t.Fatal("refresh must not run on the caller's path")
	}

	h.bp.flush()
	if h.comp.count() != 2 {
		t.Fatalf("computations = %d after refresh, want 2", h.comp.count())
	}
	if v := h.get(t, 6); v != 2 {
		t.Errorf("after refresh got %d, want 2", v)
	}
}

// TestBroker_TimelineEviction pins ttl=5 maxTtl=8: the refresh at t=5 sets a
// horizon of t=13, after which the entry is gone and the next call computes.
func TestBroker_TimelineEviction(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 0))

	steps := []struct {
		at        int
		want      int
		wantCalls int
	}{
		{0, 1, 1},  // miss
		{1, 1, 1},  // fresh
		{5, 1, 2},  // stale: old value served, refresh runs
		{7, 2, 2},  // fresh from the refresh
		{13, 3, 3}, // horizon reached: miss
	}

	for _, s := range steps {
		if v := h.get(t, s.at); v != s.want {
			t.Errorf("t=%d: got %d, want %d", s.at, v, s.want)
		}
		if got := h.comp.count(); got != s.wantCalls {
			t.Errorf("t=%d: computations = %d, want %d", s.at, got, s.wantCalls)
		}
	}
}

// TestBroker_Timeline walks ttl=5 maxTtl=8 through a refresh and an eviction.
func TestBroker_Timeline(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 0))

	steps := []struct {
		at        int
		want      int
		wantCalls int
	}{
		{0, 1, 1},  // miss
		{3, 1, 1},  // fresh
		{5, 1, 2},  // stale: old value served, refresh stored at t=5
		{7, 2, 2},  // fresh from the refresh
		{10, 2, 3}, // stale again, refresh stored at t=10
		{12, 3, 3}, // fresh
		{18, 4, 4}, // horizon t=18 reached: miss
	}

	for _, s := range steps {
		if v := h.get(t, s.at); v != s.want {
			t.Errorf("t=%d: got %d, want %d", s.at, v, s.want)
		}
		if got := h.comp.count(); got != s.wantCalls {
			t.Errorf("t=%d: computations = %d, want %d", s.at, got, s.wantCalls)
		}
	}
}

func TestBroker_HorizonEvictsWithoutReads(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 0))
	h.get(t, 0)

	if v := h.get(t, 8); v != 2 {
		t.Errorf("t=8: got %d, want a recomputed 2", v)
	}
}

// TestBroker_StaleOnError covers ttl=5 errorTtl=7 maxTtl=10: a failed refresh
// inside the grace keeps serving the stale value and a later refresh wins.
func TestBroker_StaleOnError(t *testing.T) {
	h := newHarness(t, lifetimes(5, 10, 7))
	if v := h.get(t, 0); v != 1 {
		t.Fatalf("t=0: got %d, want 1", v)
	}

	h.comp.setFail(errors.New("upstream down"))
	if v := h.get(t, 5); v != 1 {
		t.Errorf("t=5: got %d, want stale 1", v)
	}
	if !strings.Contains(h.logs.String(), `"level":"warn"`) || !strings.Contains(h.logs.String(), "within error grace") {
		t.Errorf("expected a warn log for the in-grace failure, got %s", h.logs.String())
	}

	h.comp.setFail(nil)
	if v := h.get(t, 8); v != 1 {
		t.Errorf("t=8: got %d, want stale 1 while refreshing", v)
	}
	if v := h.get(t, 9); v != 3 {
		t.Errorf("t=9: got %d, want refreshed 3", v)
	}
}

func TestBroker_RefreshFailureOutsideGraceLogsError(t *testing.T) {
	h := newHarness(t, lifetimes(5, 10, 0))
	h.get(t, 0)

	h.comp.setFail(errors.New("upstream down"))
	h.logs.Reset()
	if v := h.get(t, 5); v != 1 {
		t.Errorf("t=5: got %d, want stale 1", v)
	}

	out := h.logs.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, "after error grace elapsed") {
		t.Errorf("expected an error log, got %s", out)
	}

	e, ok := h.bp.entry("posts::f75db37be2bee57123bdb9b8655967bdf834c222")
	if !ok || string(e.value) != "1" {
		t.Error("a failed refresh must leave the stored entry untouched")
	}
}

func TestBroker_MissFailurePropagates(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 0))
	boom := errors.New("boom")
	h.comp.setFail(boom)

	_, err := h.call(context.Background(), "my-slug")
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want the computation error", err)
	}
	if h.bp.puts != 0 {
		t.Error("nothing should be written after a failed first computation")
	}
}

func TestBroker_ReadErrorIsAMiss(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 0))
	h.bp.readErr = errors.New("backplane unavailable")

	if v := h.get(t, 0); v != 1 {
		t.Errorf("got %d, want computed 1", v)
	}
	if v := h.get(t, 1); v != 2 {
		t.Errorf("got %d, want recomputed 2 while reads fail", v)
	}
	if !strings.Contains(h.logs.String(), "backplane read failed") {
		t.Error("expected the read failure to be logged")
	}
}

func TestBroker_PutFailuresAreSwallowed(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 0))
	h.bp.putErr = errors.New("disk full")

	if v := h.get(t, 0); v != 1 {
		t.Errorf("got %d, want 1 despite the failed put", v)
	}

	h.bp.putErr = nil
	h.bp.reject = true
	if v := h.get(t, 1); v != 2 {
		t.Errorf("got %d, want 2 despite the rejected put", v)
	}
	if !strings.Contains(h.logs.String(), "backplane rejected put") {
		t.Error("expected the rejected put to be logged")
	}
}

func TestBroker_UndecodableValueIsAMiss(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 0))
	h.bp.entries["posts::f75db37be2bee57123bdb9b8655967bdf834c222"] = testEntry{
		value:   []byte("{not json"),
		md:      Metadata{ExpireAt: 5_000},
		horizon: time.UnixMilli(8_000),
	}

	if v := h.get(t, 0); v != 1 {
		t.Errorf("got %d, want computed 1", v)
	}
}

func TestBroker_MissingMetadataIsStale(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 0))
	h.bp.entries["posts::f75db37be2bee57123bdb9b8655967bdf834c222"] = testEntry{
		value:   []byte("41"),
		horizon: time.UnixMilli(8_000),
	}

	if v := h.get(t, 0); v != 41 {
		t.Errorf("got %d, want the stored 41", v)
	}
	if h.comp.count() != 1 {
		t.Errorf("a refresh should have run, computations = %d", h.comp.count())
	}
}

func TestBroker_KeyDerivationFailure(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 0))

	_, err := h.call(context.Background(), make(chan int))
	if !errors.Is(err, ErrUnserializable) {
		t.Fatalf("got %v, want ErrUnserializable", err)
	}
	if h.comp.count() != 0 {
		t.Error("the computation must not run when the key cannot be derived")
	}
}

func TestBroker_DistinctArgsDistinctEntries(t *testing.T) {
	h := newHarness(t, lifetimes(5, 8, 0))
	ctx := context.Background()

	a, _ := h.call(ctx, "a")
	b, _ := h.call(ctx, "b")
	a2, _ := h.call(ctx, "a")

	if a != 1 || b != 2 || a2 != 1 {
		t.Errorf("got a=%d b=%d a again=%d, want 1 2 1", a, b, a2)
	}
}

func TestNewBroker_NilBackplane(t *testing.T) {
	if _, err := NewBroker(nil); !errors.Is(err, ErrNilBackplane) {
		t.Errorf("got %v, want ErrNilBackplane", err)
	}
}

func TestWrap_Validation(t *testing.T) {
	b, err := NewBroker(newTestBackplane(time.Now))
	if err != nil {
		t.Fatalf("NewBroker() error = %v", err)
	}
	fn := func(context.Context, ...any) (string, error) { return "", nil }

	tests := []struct {
		name    string
		wrap    func() error
		wantErr error
	}{
		{"nil broker", func() error { _, err := Wrap[string](nil, "x", fn, Options{}); return err }, ErrNilBroker},
		{"nil func", func() error { _, err := Wrap[string](b, "x", nil, Options{}); return err }, ErrNilFunc},
		{"empty name", func() error { _, err := Wrap(b, "", fn, Options{}); return err }, ErrInvalidKey},
		{"bad lifetimes", func() error { _, err := Wrap(b, "x", fn, lifetimes(10, 5, 0)); return err }, ErrInvalidLifetimes},
		{"bad type", func() error { _, err := Wrap(b, "x", fn, Options{Type: "blob"}); return err }, ErrInvalidType},
		{"type mismatch", func() error { _, err := Wrap(b, "x", fn, Options{Type: TypeArrayBuffer}); return err }, ErrTypeMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.wrap(); !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestMustWrap_Panics(t *testing.T) {
	b, err := NewBroker(newTestBackplane(time.Now))
	if err != nil {
		t.Fatalf("NewBroker() error = %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("MustWrap should panic on invalid options")
		}
	}()
	MustWrap(b, "x", func(context.Context, ...any) (int, error) { return 0, nil }, lifetimes(10, 5, 0))
}

func TestWrap1_KeysOnTheArgument(t *testing.T) {
	clock := newTestClock()
	bp := newTestBackplane(clock.Now)
	b, err := NewBroker(bp, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewBroker() error = %v", err)
	}

	get, err := Wrap1(b, "posts", func(_ context.Context, slug string) (string, error) {
		return "post:" + slug, nil
	}, Options{Type: TypeText})
	if err != nil {
		t.Fatalf("Wrap1() error = %v", err)
	}

	v, err := get(context.Background(), "my-slug")
	if err != nil || v != "post:my-slug" {
		t.Fatalf("got %q, %v", v, err)
	}
	e, ok := bp.entry("posts::f75db37be2bee57123bdb9b8655967bdf834c222")
	if !ok || string(e.value) != "post:my-slug" {
		t.Errorf("text value not stored under the derived key: %+v", e)
	}
}

func TestWrap0_KeysOnName(t *testing.T) {
	clock := newTestClock()
	bp := newTestBackplane(clock.Now)
	b, err := NewBroker(bp, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewBroker() error = %v", err)
	}

	get, err := Wrap0(b, "settings", func(context.Context) ([]byte, error) {
		return []byte{1, 2, 3}, nil
	}, Options{Type: TypeArrayBuffer})
	if err != nil {
		t.Fatalf("Wrap0() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		v, err := get(context.Background())
		if err != nil || !bytes.Equal(v, []byte{1, 2, 3}) {
			t.Fatalf("call %d: got %v, %v", i, v, err)
		}
	}
	if _, ok := bp.entry("settings"); !ok {
		t.Error("expected an entry under the bare name")
	}
}

func TestWrap2_Stream(t *testing.T) {
	clock := newTestClock()
	bp := newTestBackplane(clock.Now)
	b, err := NewBroker(bp, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewBroker() error = %v", err)
	}

	calls := 0
	get, err := Wrap2(b, "feed", func(_ context.Context, tag string, page int) (io.Reader, error) {
		calls++
		return strings.NewReader(tag + ":" + string(rune('0'+page))), nil
	}, Options{Type: TypeStream})
	if err != nil {
		t.Fatalf("Wrap2() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		r, err := get(context.Background(), "go", 1)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		data, _ := io.ReadAll(r)
		if string(data) != "go:1" {
			t.Errorf("call %d: read %q, want %q", i, data, "go:1")
		}
	}
	if calls != 1 {
		t.Errorf("computations = %d, want 1", calls)
	}
}
