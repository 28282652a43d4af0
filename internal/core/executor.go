package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/metrics"
	"github.com/xiaopang/keyrelay/internal/model"
	"github.com/xiaopang/keyrelay/internal/provider"
	"github.com/xiaopang/keyrelay/internal/store"
)

// RetryPolicy bounds one execution.
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy 5 attempts, 1s base delay capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     5,
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		AttemptTimeout: 60 * time.Second,
	}
}

// NewRetryPolicy converts the config section, keeping defaults for unset values.
func NewRetryPolicy(c config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if c.MaxRetries > 0 {
		p.MaxRetries = c.MaxRetries
	}
	if c.BaseDelayMs > 0 {
		p.BaseDelay = c.BaseDelay()
	}
	if c.MaxDelayMs > 0 {
		p.MaxDelay = c.MaxDelay()
	}
	if c.AttemptTimeoutSeconds > 0 {
		p.AttemptTimeout = c.AttemptTimeout()
	}
	return p
}

// newBackOff yields min(BaseDelay*2^n, MaxDelay) for n = 1, 2, ... without jitter.
func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Operation one unit of upstream work performed with the given credential.
type Operation func(ctx context.Context, apiKey string) (provider.Response, error)

// Result of a successful execution.
type Result struct {
	Response  provider.Response
	Key       string
	Attempts  int
	Failovers int
	Tokens    int64
}

// Executor runs operations against the pool with retry, backoff and key failover.
// The bound key is shared by all callers and re-validated against the store on every attempt.
type Executor struct {
	pool    *Pool
	tracker *WindowTracker
	policy  RetryPolicy

	mu  sync.Mutex
	key string
}

// NewExecutor creates an executor; the retry budget is at least one attempt
func NewExecutor(pool *Pool, policy RetryPolicy) *Executor {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = 1
	}
	return &Executor{pool: pool, tracker: pool.tracker, policy: policy}
}

// BoundKey the key the next execution starts with; empty when unbound.
func (e *Executor) BoundKey() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.key
}

func (e *Executor) bind(key string) {
	e.mu.Lock()
	e.key = key
	e.mu.Unlock()
}

func (e *Executor) current(ctx context.Context) (string, error) {
	if key := e.BoundKey(); key != "" {
		return key, nil
	}
	rec, err := e.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	e.bind(rec.Key)
	return rec.Key, nil
}

// Execute runs op until it succeeds, the retry budget is spent or the pool runs dry.
func (e *Executor) Execute(ctx context.Context, op Operation) (*Result, error) {
	key, err := e.current(ctx)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	b := e.policy.newBackOff()
	var lastErr error

	for attempt := 0; attempt < e.policy.MaxRetries; attempt++ {
		res.Attempts = attempt + 1

		if attempt > 0 {
			if err := sleep(ctx, b.NextBackOff()); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// the bound key may have been exhausted by another caller since the last call
		check, err := e.precheck(ctx, key)
		if err != nil {
			return nil, err
		}
		if check.limited {
			next, err := e.failover(ctx, key, check.kind, check.mark)
			if err != nil {
				return nil, e.exhausted(res.Attempts, key, lastErr, err)
			}
			res.Failovers++
			metrics.FailoversTotal.WithLabelValues(check.reason()).Inc()
			key = next
		}

		logger.Debug("attempt", "n", res.Attempts, "key", model.MaskKey(key))
		attemptCtx, cancel := context.WithTimeout(ctx, e.policy.AttemptTimeout)
		resp, err := op(attemptCtx, key)
		cancel()

		if err == nil {
			res.Response = resp
			res.Key = key
			res.Tokens = resp.Tokens()
			e.settle(ctx, key, res.Tokens)
			return res, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		outcome := Classify(err)
		logger.Warn("attempt failed", "n", res.Attempts, "key", model.MaskKey(key),
			"class", outcome.Class, "error", err.Error())

		if !outcome.Failover() {
			if errors.Is(err, provider.ErrInvalidRequest) {
				break
			}
			if err := e.pool.MarkActive(ctx, key); err != nil {
				return nil, err
			}
			continue
		}

		if err := e.pool.MarkInactive(ctx, key, outcome.Kind); err != nil {
			return nil, err
		}
		if attempt == e.policy.MaxRetries-1 {
			break
		}

		if _, err := e.pool.RecoverAll(ctx); err != nil {
			return nil, err
		}
		next, err := e.failover(ctx, key, outcome.Kind, false)
		if err != nil {
			return nil, e.exhausted(res.Attempts, key, lastErr, err)
		}
		res.Failovers++
		metrics.FailoversTotal.WithLabelValues(outcome.reason()).Inc()
		key = next
	}

	return nil, &RetryError{Attempts: res.Attempts, Key: model.MaskKey(key), Err: lastErr}
}

type precheckResult struct {
	limited bool
	kind    model.LimitKind
	mark    bool // key still marked active and needs deactivating
}

func (c precheckResult) reason() string {
	if c.kind == model.LimitNone {
		return "missing"
	}
	return string(c.kind)
}

// precheck re-evaluates the bound key before it is used. A key deleted from
// the store is replaced without a status write; a key another caller put into
// cooldown is replaced without touching its cooldown start.
func (e *Executor) precheck(ctx context.Context, key string) (precheckResult, error) {
	v, err := e.tracker.Evaluate(ctx, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return precheckResult{limited: true}, nil
	}
	if err != nil {
		return precheckResult{}, err
	}
	if !v.Allowed {
		return precheckResult{limited: true, kind: v.Kind, mark: !v.Record.CoolingDown()}, nil
	}
	if v.Record.CoolingDown() {
		ok, err := e.pool.recover(ctx, v.Record, e.tracker.now())
		if err != nil {
			return precheckResult{}, err
		}
		if !ok {
			return precheckResult{limited: true, kind: v.Record.LimitKind}, nil
		}
	}
	return precheckResult{}, nil
}

// failover optionally deactivates key, then acquires and binds a replacement.
func (e *Executor) failover(ctx context.Context, key string, kind model.LimitKind, mark bool) (string, error) {
	if mark {
		if err := e.pool.MarkInactive(ctx, key, kind); err != nil {
			return "", err
		}
	}
	rec, err := e.pool.Acquire(ctx)
	if err != nil {
		e.bind("")
		return "", err
	}
	logger.Warn("switched api key", "from", model.MaskKey(key), "to", model.MaskKey(rec.Key))
	e.bind(rec.Key)
	return rec.Key, nil
}

func (e *Executor) exhausted(attempts int, key string, cause, err error) error {
	if !errors.Is(err, ErrPoolExhausted) {
		return fmt.Errorf("acquire replacement key: %w", err)
	}
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrPoolExhausted, cause)
	}
	return &RetryError{Attempts: attempts, Key: model.MaskKey(key), Err: err}
}

// settle records a successful call, then marks the key for the next caller:
// inactive when the call pushed it over a limit or left it short of token
// headroom, active otherwise.
func (e *Executor) settle(ctx context.Context, key string, tokens int64) {
	if err := e.tracker.Record(ctx, key, tokens); err != nil {
		logger.Error("failed to record usage", "key", model.MaskKey(key), "error", err.Error())
		return
	}

	v, err := e.tracker.Evaluate(ctx, key)
	if err != nil {
		logger.Error("failed to re-evaluate key", "key", model.MaskKey(key), "error", err.Error())
		return
	}
	switch {
	case !v.Allowed:
		if err := e.pool.MarkInactive(ctx, key, v.Kind); err != nil {
			logger.Error("failed to mark key inactive", "key", model.MaskKey(key), "error", err.Error())
		}
	case e.lowOnTokens(v):
		logger.Info("key low on daily tokens, rotating", "key", model.MaskKey(key), "remaining", v.RemainingTokens)
		if err := e.pool.MarkInactive(ctx, key, model.LimitTokenBudget); err != nil {
			logger.Error("failed to mark key inactive", "key", model.MaskKey(key), "error", err.Error())
		}
	case !v.Record.Active:
		if err := e.pool.MarkActive(ctx, key); err != nil {
			logger.Error("failed to mark key active", "key", model.MaskKey(key), "error", err.Error())
		}
	}
}

func (e *Executor) lowOnTokens(v Verdict) bool {
	l := e.tracker.Limits()
	return l.TokensPerDay > 0 && l.TokenHeadroom > 0 && v.RemainingTokens < l.TokenHeadroom
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
