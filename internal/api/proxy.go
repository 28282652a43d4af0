package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/model"
	"github.com/xiaopang/keyrelay/internal/provider"
)

// ProxyHandler generation endpoints backed by the key pool.
type ProxyHandler struct {
	generator *core.Generator
}

// NewProxyHandler creates the generation handler
func NewProxyHandler(generator *core.Generator) *ProxyHandler {
	return &ProxyHandler{generator: generator}
}

// Completions single-prompt completion
func (h *ProxyHandler) Completions(c *gin.Context) {
	var req model.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request_error", "", "Invalid request: "+err.Error())
		return
	}

	content, err := h.generator.GetCompletion(c.Request.Context(), req.Prompt, req.Options())
	if err != nil {
		generationError(c, err)
		return
	}

	c.JSON(http.StatusOK, model.CompletionResponse{Content: content})
}

// Chat multi-turn generation
func (h *ProxyHandler) Chat(c *gin.Context) {
	var req model.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request_error", "", "Invalid request: "+err.Error())
		return
	}

	result, err := h.generator.GenerateResponse(c.Request.Context(), req.Messages, req.Options())
	if err != nil {
		generationError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// generationError maps executor failures onto HTTP statuses.
func generationError(c *gin.Context, err error) {
	var retryErr *core.RetryError
	switch {
	case errors.Is(err, core.ErrInvalidInput), errors.Is(err, provider.ErrInvalidRequest):
		errorJSON(c, http.StatusBadRequest, "invalid_request_error", "invalid_input", err.Error())
	case errors.Is(err, core.ErrPoolExhausted):
		errorJSON(c, http.StatusServiceUnavailable, "pool_exhausted", "pool_exhausted", "No API key available: "+err.Error())
	case errors.As(err, &retryErr):
		errorJSON(c, http.StatusBadGateway, "upstream_error", "upstream_error", err.Error())
	default:
		errorJSON(c, http.StatusInternalServerError, "internal_error", "internal_error", err.Error())
	}
}
