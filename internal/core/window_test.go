package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/model"
	"github.com/xiaopang/keyrelay/internal/store"
)

func TestNewLimits_Defaults(t *testing.T) {
	l := NewLimits(config.LimitsConfig{PerDay: 100})
	if l.PerMinute != 14 || l.PerDay != 100 || l.TokensPerDay != 1000000 || l.Window != time.Minute {
		t.Errorf("unexpected limits %+v", l)
	}
	if l.TokenHeadroom != 1000 {
		t.Errorf("expected default headroom 1000, got %d", l.TokenHeadroom)
	}
	if l := NewLimits(config.LimitsConfig{TokenHeadroom: 50}); l.TokenHeadroom != 50 {
		t.Errorf("expected headroom 50, got %d", l.TokenHeadroom)
	}
	if l := NewLimits(config.LimitsConfig{TokenHeadroom: -1}); l.TokenHeadroom != 0 {
		t.Errorf("negative headroom should disable the check, got %d", l.TokenHeadroom)
	}
}

func TestEvaluate_FreshKeyAllowed(t *testing.T) {
	env := newTestEnv(t, DefaultLimits(), "k1")

	v, err := env.tracker.Evaluate(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !v.Allowed || v.Kind != model.LimitNone {
		t.Errorf("expected fresh key allowed, got %+v", v)
	}
	if v.RemainingTokens != 1000000 {
		t.Errorf("expected full token budget, got %d", v.RemainingTokens)
	}
}

func TestEvaluate_UnknownKey(t *testing.T) {
	env := newTestEnv(t, DefaultLimits())

	if _, err := env.tracker.Evaluate(context.Background(), "ghost"); !errors.Is(err, store.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestRecordThenEvaluate(t *testing.T) {
	env := newTestEnv(t, DefaultLimits(), "k1")
	ctx := context.Background()

	if err := env.tracker.Record(ctx, "k1", 250); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	v, _ := env.tracker.Evaluate(ctx, "k1")
	if v.MinuteCount != 1 || v.DailyCount != 1 || v.TokenCount != 250 {
		t.Errorf("record not reflected: %+v", v)
	}
	if v.RemainingTokens != 1000000-250 {
		t.Errorf("unexpected remaining tokens %d", v.RemainingTokens)
	}
	if v.Record.UsageCount != 1 {
		t.Errorf("expected usage 1, got %d", v.Record.UsageCount)
	}
}

func TestEvaluate_MinuteWindowSlides(t *testing.T) {
	env := newTestEnv(t, DefaultLimits(), "k1")
	ctx := context.Background()

	for i := 0; i < 14; i++ {
		env.tracker.Record(ctx, "k1", 1)
		env.clock.Advance(time.Second)
	}
	v, _ := env.tracker.Evaluate(ctx, "k1")
	if v.Allowed || v.Kind != model.LimitPerMinute {
		t.Fatalf("expected MINUTE limit after 14 calls, got %+v", v)
	}

	// the first entry leaves the window exactly 60s after it was recorded
	env.clock.Set(baseTime.Add(60*time.Second + time.Nanosecond))
	v, _ = env.tracker.Evaluate(ctx, "k1")
	if !v.Allowed || v.MinuteCount != 13 {
		t.Errorf("expected 13 entries in window and allowed, got %+v", v)
	}
	if v.DailyCount != 14 {
		t.Errorf("daily count should be unaffected, got %d", v.DailyCount)
	}
}

func TestEvaluate_CheckOrder(t *testing.T) {
	env := newTestEnv(t, Limits{PerMinute: 2, PerDay: 2, TokensPerDay: 10}, "k1")
	ctx := context.Background()

	env.tracker.Record(ctx, "k1", 10)
	env.tracker.Record(ctx, "k1", 10)

	v, _ := env.tracker.Evaluate(ctx, "k1")
	if v.Kind != model.LimitPerMinute {
		t.Errorf("minute limit must win, got %q", v.Kind)
	}

	env.clock.Advance(2 * time.Minute)
	v, _ = env.tracker.Evaluate(ctx, "k1")
	if v.Kind != model.LimitPerDay {
		t.Errorf("day limit must win over tokens, got %q", v.Kind)
	}
}

func TestEvaluate_DailyBucketResetsAtMidnight(t *testing.T) {
	env := newTestEnv(t, Limits{PerMinute: 100, PerDay: 3, TokensPerDay: 1000}, "k1")
	ctx := context.Background()

	late := time.Date(2024, 3, 10, 23, 58, 0, 0, time.Local)
	env.clock.Set(late)
	for i := 0; i < 3; i++ {
		env.tracker.Record(ctx, "k1", 1)
	}
	env.clock.Set(late.Add(time.Minute + 59*time.Second))
	v, _ := env.tracker.Evaluate(ctx, "k1")
	if v.Kind != model.LimitPerDay {
		t.Fatalf("expected DAILY at 23:59:59, got %+v", v)
	}

	env.clock.Set(time.Date(2024, 3, 11, 0, 0, 0, 0, time.Local))
	v, _ = env.tracker.Evaluate(ctx, "k1")
	if !v.Allowed || v.DailyCount != 0 {
		t.Errorf("expected fresh day at midnight, got %+v", v)
	}
	if len(v.Record.DailyRequests) != 0 {
		t.Errorf("expected yesterday's entry pruned, got %+v", v.Record.DailyRequests)
	}
}

func TestEvaluate_TokenBudget(t *testing.T) {
	env := newTestEnv(t, DefaultLimits(), "k1")
	ctx := context.Background()

	env.record(t, "k1", 1, baseTime.Add(-2*time.Hour), 999999)
	v, _ := env.tracker.Evaluate(ctx, "k1")
	if !v.Allowed || v.RemainingTokens != 1 {
		t.Fatalf("expected 1 token left, got %+v", v)
	}

	env.tracker.Record(ctx, "k1", 1)
	v, _ = env.tracker.Evaluate(ctx, "k1")
	if v.Allowed || v.Kind != model.LimitTokenBudget || v.RemainingTokens != 0 {
		t.Errorf("expected TOKEN limit, got %+v", v)
	}
}

func TestPrune_Idempotent(t *testing.T) {
	env := newTestEnv(t, DefaultLimits(), "k1")
	ctx := context.Background()

	env.record(t, "k1", 2, baseTime.Add(-90*time.Second), 5)
	env.record(t, "k1", 1, baseTime, 5)

	if err := env.tracker.Prune(ctx, "k1"); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	first := env.find(t, "k1")

	for i := 0; i < 3; i++ {
		if err := env.tracker.Prune(ctx, "k1"); err != nil {
			t.Fatalf("Prune failed: %v", err)
		}
	}
	again := env.find(t, "k1")

	if len(first.MinuteRequests) != 1 || len(again.MinuteRequests) != 1 {
		t.Errorf("expected one minute entry, got %d then %d", len(first.MinuteRequests), len(again.MinuteRequests))
	}
	if first.DailyRequests[0] != again.DailyRequests[0] || first.UsageCount != again.UsageCount {
		t.Error("repeated prune changed state")
	}
}
