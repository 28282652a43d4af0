package core

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xiaopang/keyrelay/internal/model"
	"github.com/xiaopang/keyrelay/internal/provider"
	"github.com/xiaopang/keyrelay/internal/store"
)

// baseTime is a local noon so minute arithmetic never crosses midnight by accident.
var baseTime = time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type testEnv struct {
	store   *store.Store
	tracker *WindowTracker
	pool    *Pool
	clock   *fakeClock
}

func newTestEnv(t *testing.T, limits Limits, keys ...string) *testEnv {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clock := newFakeClock(baseTime)
	tracker := NewWindowTracker(s, limits)
	tracker.now = clock.Now
	env := &testEnv{store: s, tracker: tracker, pool: NewPool(s, tracker), clock: clock}

	if len(keys) > 0 {
		if _, err := s.InsertKeys(context.Background(), keys, baseTime); err != nil {
			t.Fatalf("failed to insert keys: %v", err)
		}
	}
	return env
}

// record n usages for key at the given time.
func (env *testEnv) record(t *testing.T, key string, n int, at time.Time, tokens int64) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := env.store.RecordUsage(context.Background(), key, at, model.StartOfDay(at), tokens); err != nil {
			t.Fatalf("RecordUsage(%s) failed: %v", key, err)
		}
	}
}

func (env *testEnv) find(t *testing.T, key string) *model.KeyRecord {
	t.Helper()
	rec, err := env.store.FindKey(context.Background(), key)
	if err != nil {
		t.Fatalf("FindKey(%s) failed: %v", key, err)
	}
	return rec
}

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     5,
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

// fakeProvider records the credential of every call.
type fakeProvider struct {
	mu    sync.Mutex
	keys  []string
	reqs  []provider.Request
	reply func(ctx context.Context, apiKey string, call int) (provider.Response, error)
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Generate(ctx context.Context, apiKey string, req provider.Request) (provider.Response, error) {
	f.mu.Lock()
	f.keys = append(f.keys, apiKey)
	f.reqs = append(f.reqs, req)
	call := len(f.keys)
	f.mu.Unlock()

	if f.reply != nil {
		return f.reply(ctx, apiKey, call)
	}
	return provider.Response{Text: "ok"}, nil
}

func (f *fakeProvider) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}
