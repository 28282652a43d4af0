package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestGenerate_Success(t *testing.T) {
	var gotPath, gotKey string
	var gotBody geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{
			"candidates": [{"content": {"parts": [{"text": "hello "}, {"text": "world"}]}}],
			"usageMetadata": {"promptTokenCount": 7, "candidatesTokenCount": 3}
		}`))
	}))
	defer srv.Close()

	g := NewGemini(srv.URL + "/")
	resp, err := g.Generate(context.Background(), "secret-key", Request{
		Model:           "gemini-1.5-flash",
		System:          "be brief",
		Contents:        []Content{{Role: "user", Text: "hi"}, {Role: "assistant", Text: "hey"}, {Role: "user", Text: "again"}},
		MaxOutputTokens: 128,
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if gotPath != "/models/gemini-1.5-flash:generateContent" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotKey != "secret-key" {
		t.Errorf("expected api key header, got %q", gotKey)
	}
	if len(gotBody.Contents) != 3 || gotBody.Contents[1].Role != "model" {
		t.Errorf("unexpected contents %+v", gotBody.Contents)
	}
	if gotBody.SystemInstruction == nil || gotBody.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("expected system instruction, got %+v", gotBody.SystemInstruction)
	}
	if gotBody.GenerationConfig == nil || gotBody.GenerationConfig.MaxOutputTokens != 128 {
		t.Errorf("unexpected generation config %+v", gotBody.GenerationConfig)
	}

	if resp.Text != "hello world" {
		t.Errorf("expected joined text, got %q", resp.Text)
	}
	if resp.Tokens() != 10 {
		t.Errorf("expected 10 tokens from usage metadata, got %d", resp.Tokens())
	}
}

func TestGenerate_APIError(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus string
		wantReason string
	}{
		{
			name:       "quota",
			status:     429,
			body:       `{"error": {"code": 429, "message": "Quota exceeded", "status": "RESOURCE_EXHAUSTED"}}`,
			wantStatus: "RESOURCE_EXHAUSTED",
		},
		{
			name:       "invalid key",
			status:     400,
			body:       `{"error": {"code": 400, "message": "API key not valid", "status": "INVALID_ARGUMENT", "details": [{"reason": "API_KEY_INVALID"}]}}`,
			wantStatus: "INVALID_ARGUMENT",
			wantReason: "API_KEY_INVALID",
		},
		{
			name:   "plain body",
			status: 503,
			body:   "upstream unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewGemini(srv.URL).Generate(context.Background(), "k", Request{Model: "m"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, apiErr.StatusCode)
			}
			if apiErr.Status != tt.wantStatus || apiErr.Reason != tt.wantReason {
				t.Errorf("unexpected error fields %+v", apiErr)
			}
			if apiErr.Message == "" {
				t.Error("expected a message")
			}
		})
	}
}

func TestGenerate_EmptyTextIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	_, err := NewGemini(srv.URL).Generate(context.Background(), "k", Request{Model: "m"})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("expected ErrMalformedResponse, got %v", err)
	}
}

func TestGenerate_TimeoutUnwrapsToDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewGemini(srv.URL).Generate(ctx, "k", Request{Model: "m"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := map[string]int64{
		"":                        0,
		"abc":                     1,
		"abcd":                    1,
		"abcde":                   2,
		strings.Repeat("x", 4000): 1000,
		"日本語テキスト":                 2,
	}
	for in, want := range tests {
		if got := EstimateTokens(in); got != want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", in, got, want)
		}
	}

	if got := (Response{Text: strings.Repeat("x", 40)}).Tokens(); got != 10 {
		t.Errorf("expected estimate without usage metadata, got %d", got)
	}
}
