package core

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/metrics"
	"github.com/xiaopang/keyrelay/internal/model"
)

// Limits per-key quotas. A zero limit is not enforced.
type Limits struct {
	PerMinute     int
	PerDay        int
	TokensPerDay  int64
	// TokenHeadroom rotates a key away once fewer daily tokens remain
	TokenHeadroom int64
	Window        time.Duration // sliding request window
}

// DefaultLimits upstream free-tier quotas.
func DefaultLimits() Limits {
	return Limits{
		PerMinute:     14,
		PerDay:        1490,
		TokensPerDay:  1000000,
		TokenHeadroom: 1000,
		Window:        time.Minute,
	}
}

// NewLimits converts the config section, keeping defaults for unset values.
func NewLimits(c config.LimitsConfig) Limits {
	l := DefaultLimits()
	if c.PerMinute > 0 {
		l.PerMinute = c.PerMinute
	}
	if c.PerDay > 0 {
		l.PerDay = c.PerDay
	}
	if c.TokensPerDay > 0 {
		l.TokensPerDay = c.TokensPerDay
	}
	switch {
	case c.TokenHeadroom > 0:
		l.TokenHeadroom = c.TokenHeadroom
	case c.TokenHeadroom < 0:
		l.TokenHeadroom = 0
	}
	return l
}

// Verdict result of evaluating one key against its limits.
type Verdict struct {
	Allowed         bool
	Kind            model.LimitKind // first violated limit when !Allowed
	MinuteCount     int
	DailyCount      int
	TokenCount      int64
	RemainingTokens int64
	Record          *model.KeyRecord
}

// WindowTracker evaluates and records per-key usage windows.
type WindowTracker struct {
	store  KeyStore
	limits Limits
	now    func() time.Time
}

// NewWindowTracker creates a tracker over store
func NewWindowTracker(store KeyStore, limits Limits) *WindowTracker {
	if limits.Window <= 0 {
		limits.Window = time.Minute
	}
	return &WindowTracker{store: store, limits: limits, now: time.Now}
}

// Limits returns the configured quotas.
func (t *WindowTracker) Limits() Limits {
	return t.limits
}

// Now current time on the tracker clock.
func (t *WindowTracker) Now() time.Time {
	return t.now()
}

func (t *WindowTracker) prune(ctx context.Context, key string, now time.Time) error {
	return t.store.PruneWindows(ctx, key, now.Add(-t.limits.Window), model.StartOfDay(now))
}

// Prune removes stale minute and daily entries of one key.
func (t *WindowTracker) Prune(ctx context.Context, key string) error {
	return t.prune(ctx, key, t.now())
}

// PruneAll removes stale entries of every key.
func (t *WindowTracker) PruneAll(ctx context.Context) error {
	return t.prune(ctx, "", t.now())
}

// Evaluate prunes, re-reads the key and checks it against the limits.
func (t *WindowTracker) Evaluate(ctx context.Context, key string) (Verdict, error) {
	now := t.now()
	if err := t.prune(ctx, key, now); err != nil {
		return Verdict{}, fmt.Errorf("prune %s: %w", model.MaskKey(key), err)
	}
	rec, err := t.store.FindKey(ctx, key)
	if err != nil {
		return Verdict{}, err
	}
	return t.evaluate(rec, now), nil
}

// evaluate checks minute, day, then token budget; the first violated limit wins.
func (t *WindowTracker) evaluate(rec *model.KeyRecord, now time.Time) Verdict {
	v := Verdict{Record: rec}

	cutoff := now.Add(-t.limits.Window)
	for _, e := range rec.MinuteRequests {
		if !e.Timestamp.Before(cutoff) {
			v.MinuteCount += e.Count
		}
	}
	if e, ok := rec.DailyEntryFor(model.StartOfDay(now)); ok {
		v.DailyCount = e.RequestCount
		v.TokenCount = e.TokenCount
	}
	if t.limits.TokensPerDay > 0 {
		v.RemainingTokens = t.limits.TokensPerDay - v.TokenCount
		if v.RemainingTokens < 0 {
			v.RemainingTokens = 0
		}
	}

	switch {
	case t.limits.PerMinute > 0 && v.MinuteCount >= t.limits.PerMinute:
		v.Kind = model.LimitPerMinute
	case t.limits.PerDay > 0 && v.DailyCount >= t.limits.PerDay:
		v.Kind = model.LimitPerDay
	case t.limits.TokensPerDay > 0 && v.TokenCount >= t.limits.TokensPerDay:
		v.Kind = model.LimitTokenBudget
	default:
		v.Allowed = true
	}
	return v
}

// Record accounts one completed call against key.
func (t *WindowTracker) Record(ctx context.Context, key string, tokens int64) error {
	now := t.now()
	if err := t.store.RecordUsage(ctx, key, now, model.StartOfDay(now), tokens); err != nil {
		return fmt.Errorf("record usage %s: %w", model.MaskKey(key), err)
	}
	metrics.TokensTotal.Add(float64(tokens))
	return nil
}
