package model

// CompletionOptions per-call generation settings. Zero values fall back to provider defaults.
type CompletionOptions struct {
	MaxTokens int    `json:"max_tokens,omitempty"`
	Model     string `json:"model,omitempty"`
	System    string `json:"system,omitempty"`
}

// Message one chat turn
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest body of POST /v1/completions
type CompletionRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Options extracts the generation settings.
func (r *CompletionRequest) Options() CompletionOptions {
	return CompletionOptions{MaxTokens: r.MaxTokens, Model: r.Model}
}

// CompletionResponse body returned by POST /v1/completions
type CompletionResponse struct {
	Content string `json:"content"`
}

// ChatRequest body of POST /v1/chat
type ChatRequest struct {
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Model     string    `json:"model,omitempty"`
	System    string    `json:"system,omitempty"`
}

// Options extracts the generation settings.
func (r *ChatRequest) Options() CompletionOptions {
	return CompletionOptions{MaxTokens: r.MaxTokens, Model: r.Model, System: r.System}
}

// ChatResult result of a multi-turn generation
type ChatResult struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
}

// CreateKeyRequest body of POST /api/keys
type CreateKeyRequest struct {
	Key string `json:"key" binding:"required"`
}

// CreateKeysRequest body of POST /api/keys/batch
type CreateKeysRequest struct {
	Keys []string `json:"keys" binding:"required"`
}

// ErrorResponse error body
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail error detail
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}
