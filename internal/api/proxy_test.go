package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/xiaopang/keyrelay/internal/model"
	"github.com/xiaopang/keyrelay/internal/provider"
)

func TestCompletions(t *testing.T) {
	ts := newTestServer(t, nil, "key-0001")
	ts.provider.reply = func(string) (provider.Response, error) {
		return provider.Response{Text: "```json\n{\"ok\":true}\n```"}, nil
	}

	w := ts.do(t, http.MethodPost, "/v1/completions", model.CompletionRequest{Prompt: "hi"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode[model.CompletionResponse](t, w).Content; got != `{"ok":true}` {
		t.Errorf("unexpected content %q", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestChat(t *testing.T) {
	ts := newTestServer(t, nil, "key-0001")

	body := model.ChatRequest{
		Messages: []model.Message{{Role: "user", Content: "hello"}},
		System:   "be brief",
	}
	w := ts.do(t, http.MethodPost, "/v1/chat", body, "X-Request-ID", "req-42")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	result := decode[model.ChatResult](t, w)
	if !result.Success || result.Content != "hello" {
		t.Errorf("unexpected result %+v", result)
	}

	logs, err := ts.store.QueryLogs(&model.LogQuery{RequestID: "req-42"})
	if err != nil || len(logs) != 1 {
		t.Fatalf("expected call log for req-42, got %v %v", logs, err)
	}
	if logs[0].Operation != model.OperationChat || logs[0].KeySuffix != "...0001" {
		t.Errorf("unexpected log %+v", logs[0])
	}
}

func TestGenerationErrors(t *testing.T) {
	tests := []struct {
		name   string
		keys   []string
		reply  func(string) (provider.Response, error)
		path   string
		body   any
		status int
		code   string
	}{
		{
			name:   "empty prompt",
			keys:   []string{"k1"},
			path:   "/v1/completions",
			body:   model.CompletionRequest{Prompt: "  "},
			status: http.StatusBadRequest,
			code:   "invalid_input",
		},
		{
			name:   "no messages",
			keys:   []string{"k1"},
			path:   "/v1/chat",
			body:   model.ChatRequest{},
			status: http.StatusBadRequest,
			code:   "invalid_input",
		},
		{
			name:   "bad model name",
			keys:   []string{"k1"},
			path:   "/v1/completions",
			body:   model.CompletionRequest{Prompt: "hi", Model: "gemini/../x"},
			status: http.StatusBadRequest,
			code:   "invalid_input",
		},
		{
			name: "unbuildable upstream request",
			keys: []string{"k1"},
			reply: func(string) (provider.Response, error) {
				return provider.Response{}, fmt.Errorf("gemini: create request: %w", provider.ErrInvalidRequest)
			},
			path:   "/v1/completions",
			body:   model.CompletionRequest{Prompt: "hi"},
			status: http.StatusBadRequest,
			code:   "invalid_input",
		},
		{
			name:   "empty pool",
			path:   "/v1/completions",
			body:   model.CompletionRequest{Prompt: "hi"},
			status: http.StatusServiceUnavailable,
			code:   "pool_exhausted",
		},
		{
			name: "upstream keeps failing",
			keys: []string{"k1"},
			reply: func(string) (provider.Response, error) {
				return provider.Response{}, &provider.APIError{StatusCode: 400, Message: "bad request"}
			},
			path:   "/v1/completions",
			body:   model.CompletionRequest{Prompt: "hi"},
			status: http.StatusBadGateway,
			code:   "upstream_error",
		},
		{
			name: "every key rate limited",
			keys: []string{"k1", "k2"},
			reply: func(string) (provider.Response, error) {
				return provider.Response{}, &provider.APIError{StatusCode: 429, Message: "quota"}
			},
			path:   "/v1/completions",
			body:   model.CompletionRequest{Prompt: "hi"},
			status: http.StatusServiceUnavailable,
			code:   "pool_exhausted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil, tt.keys...)
			ts.provider.reply = tt.reply

			w := ts.do(t, http.MethodPost, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if code := errorCode(t, w); code != tt.code {
				t.Errorf("expected code %q, got %q", tt.code, code)
			}
		})
	}
}

func TestGeneration_MalformedJSON(t *testing.T) {
	ts := newTestServer(t, nil, "k1")

	w := ts.do(t, http.MethodPost, "/v1/chat", "not an object")
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	if len(ts.provider.keys) != 0 {
		t.Error("provider must not be called")
	}
}
