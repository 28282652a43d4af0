package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/model"
	"github.com/xiaopang/keyrelay/internal/provider"
	"github.com/xiaopang/keyrelay/internal/store"
)

type stubProvider struct {
	mu    sync.Mutex
	keys  []string
	reply func(apiKey string) (provider.Response, error)
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Generate(ctx context.Context, apiKey string, req provider.Request) (provider.Response, error) {
	p.mu.Lock()
	p.keys = append(p.keys, apiKey)
	p.mu.Unlock()
	if p.reply != nil {
		return p.reply(apiKey)
	}
	return provider.Response{Text: "hello"}, nil
}

type testServer struct {
	router   *gin.Engine
	store    *store.Store
	pool     *core.Pool
	provider *stubProvider
	cfg      *config.Config
}

func newTestServer(t *testing.T, cfg *config.Config, keys ...string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := store.New(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.Store.Backend = "sqlite"

	tracker := core.NewWindowTracker(s, core.NewLimits(cfg.Limits))
	pool := core.NewPool(s, tracker)
	if len(keys) > 0 {
		if _, err := pool.AddKeys(context.Background(), keys); err != nil {
			t.Fatalf("failed to add keys: %v", err)
		}
	}

	policy := core.RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, AttemptTimeout: time.Second}
	sp := &stubProvider{}
	gen := core.NewGenerator(core.NewExecutor(pool, policy), sp, "gemini-1.5-flash", 1024, s)

	router := SetupRouter(cfg, NewProxyHandler(gen), NewAdminHandler(pool, tracker, s, cfg))
	return &testServer{router: router, store: s, pool: pool, provider: sp, cfg: cfg}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	return decode[model.ErrorResponse](t, w).Error.Code
}
