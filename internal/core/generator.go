package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/metrics"
	"github.com/xiaopang/keyrelay/internal/model"
	"github.com/xiaopang/keyrelay/internal/provider"
)

type requestIDKey struct{}

// WithRequestID attaches the inbound request ID for call logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFrom returns the request ID stored by WithRequestID.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LogSink persists call logs.
type LogSink interface {
	SaveLog(log *model.CallLog) error
}

// Generator is the caller-facing completion API. Every call goes through the executor.
type Generator struct {
	executor     *Executor
	provider     provider.Provider
	defaultModel string
	maxTokens    int
	logs         LogSink
}

// NewGenerator creates a generator; logs may be nil.
func NewGenerator(executor *Executor, p provider.Provider, defaultModel string, maxTokens int, logs LogSink) *Generator {
	return &Generator{
		executor:     executor,
		provider:     p,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
		logs:         logs,
	}
}

func (g *Generator) withDefaults(operation string, opts model.CompletionOptions) (model.CompletionOptions, error) {
	if strings.TrimSpace(opts.Model) == "" {
		opts.Model = g.defaultModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = g.maxTokens
	}
	if !validModelName(opts.Model) {
		metrics.ExecutionsTotal.WithLabelValues(operation, "invalid").Inc()
		return opts, fmt.Errorf("%w: invalid model name %q", ErrInvalidInput, opts.Model)
	}
	return opts, nil
}

// validModelName accepts ids like "gemini-1.5-flash-001"; the name becomes a
// URL path segment.
func validModelName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '.', r == '_':
		default:
			return false
		}
	}
	return true
}

// GetCompletion single-prompt completion. The text is trimmed and a
// surrounding ```json fence is removed.
func (g *Generator) GetCompletion(ctx context.Context, prompt string, opts model.CompletionOptions) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		metrics.ExecutionsTotal.WithLabelValues(model.OperationCompletion, "invalid").Inc()
		return "", fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	opts, err := g.withDefaults(model.OperationCompletion, opts)
	if err != nil {
		return "", err
	}

	req := provider.Request{
		Model:           opts.Model,
		Contents:        []provider.Content{{Role: "user", Text: prompt}},
		MaxOutputTokens: opts.MaxTokens,
	}
	resp, err := g.run(ctx, model.OperationCompletion, req)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return stripFence(resp.Text), nil
}

// GenerateResponse multi-turn chat; System is sent as the system instruction.
func (g *Generator) GenerateResponse(ctx context.Context, messages []model.Message, opts model.CompletionOptions) (*model.ChatResult, error) {
	if len(messages) == 0 {
		metrics.ExecutionsTotal.WithLabelValues(model.OperationChat, "invalid").Inc()
		return nil, fmt.Errorf("%w: messages are required", ErrInvalidInput)
	}
	contents := make([]provider.Content, 0, len(messages))
	for i, m := range messages {
		if strings.TrimSpace(m.Content) == "" {
			metrics.ExecutionsTotal.WithLabelValues(model.OperationChat, "invalid").Inc()
			return nil, fmt.Errorf("%w: message %d has no content", ErrInvalidInput, i)
		}
		contents = append(contents, provider.Content{Role: m.Role, Text: m.Content})
	}
	opts, err := g.withDefaults(model.OperationChat, opts)
	if err != nil {
		return nil, err
	}

	req := provider.Request{
		Model:           opts.Model,
		System:          opts.System,
		Contents:        contents,
		MaxOutputTokens: opts.MaxTokens,
	}
	resp, err := g.run(ctx, model.OperationChat, req)
	if err != nil {
		return nil, fmt.Errorf("generate response: %w", err)
	}
	return &model.ChatResult{Success: true, Content: resp.Text}, nil
}

func (g *Generator) run(ctx context.Context, operation string, req provider.Request) (provider.Response, error) {
	start := time.Now()

	res, err := g.executor.Execute(ctx, func(ctx context.Context, apiKey string) (provider.Response, error) {
		t0 := time.Now()
		resp, err := g.provider.Generate(ctx, apiKey, req)
		metrics.ProviderLatency.WithLabelValues(req.Model).Observe(time.Since(t0).Seconds())
		return resp, err
	})

	log := &model.CallLog{
		ID:        uuid.NewString(),
		RequestID: RequestIDFrom(ctx),
		Timestamp: start,
		Operation: operation,
		Model:     req.Model,
		LatencyMs: time.Since(start).Milliseconds(),
	}

	status := "success"
	if err == nil {
		log.Success = true
		log.KeySuffix = model.MaskKey(res.Key)
		log.Attempts = res.Attempts
		log.Failovers = res.Failovers
		log.Tokens = res.Tokens
	} else {
		log.Error = err.Error()
		status = "failed"
		if errors.Is(err, ErrPoolExhausted) {
			status = "exhausted"
		}
		var retryErr *RetryError
		if errors.As(err, &retryErr) {
			log.Attempts = retryErr.Attempts
			log.KeySuffix = retryErr.Key
		}
		logger.Error("generation failed", "operation", operation, "model", req.Model, "error", log.Error)
	}
	metrics.ExecutionsTotal.WithLabelValues(operation, status).Inc()
	g.saveLog(log)

	if err != nil {
		return provider.Response{}, err
	}
	return res.Response, nil
}

func (g *Generator) saveLog(log *model.CallLog) {
	if g.logs == nil {
		return
	}
	if err := g.logs.SaveLog(log); err != nil {
		logger.Warn("failed to save call log", "id", log.ID, "error", err.Error())
	}
}

// stripFence trims text and removes a leading ```json and trailing ``` fence.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = strings.TrimSpace(strings.TrimPrefix(text, "```json"))
	}
	if strings.HasSuffix(text, "```") {
		text = strings.TrimSpace(strings.TrimSuffix(text, "```"))
	}
	return text
}
