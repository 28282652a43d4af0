// Package provider is the client side of the upstream generative API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMalformedResponse the upstream answered 200 without usable text.
var ErrMalformedResponse = errors.New("invalid response format from provider")

// ErrInvalidRequest the request could not be built from the caller's input;
// no credential is involved and retrying cannot help.
var ErrInvalidRequest = errors.New("invalid provider request")

// Content one turn of a conversation.
type Content struct {
	Role string // "user" or "model"
	Text string
}

// Request a single generation call.
type Request struct {
	Model           string
	System          string
	Contents        []Content
	MaxOutputTokens int
}

// Response a complete generation result.
type Response struct {
	Text         string
	PromptTokens int
	OutputTokens int
}

// Tokens usage attributed to the call: the upstream's own count when reported,
// otherwise an estimate from the response text.
func (r Response) Tokens() int64 {
	if r.PromptTokens > 0 || r.OutputTokens > 0 {
		return int64(r.PromptTokens + r.OutputTokens)
	}
	return EstimateTokens(r.Text)
}

// EstimateTokens approximates a token count as ceil(chars / 4).
func EstimateTokens(text string) int64 {
	n := utf8.RuneCountInString(text)
	return int64((n + 3) / 4)
}

// APIError non-2xx answer from the upstream.
type APIError struct {
	StatusCode int
	Status     string // upstream status name, e.g. RESOURCE_EXHAUSTED
	Reason     string // first error detail reason, e.g. API_KEY_INVALID
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("provider API error %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("provider API error %d: %s", e.StatusCode, e.Message)
}

// Provider is a generative backend callable with a single credential.
type Provider interface {
	// Name returns a short identifier, e.g. "gemini".
	Name() string

	// Generate performs one unary call authenticated with apiKey.
	// The context should carry the per-attempt deadline.
	Generate(ctx context.Context, apiKey string, req Request) (Response, error)
}
