package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/metrics"
	"github.com/xiaopang/keyrelay/internal/model"
)

// Pool owns key selection, status transitions and cooldown recovery.
// It keeps no key state of its own; every decision re-reads the store.
type Pool struct {
	store   KeyStore
	tracker *WindowTracker
}

// NewPool creates a pool over store; tracker supplies limits and the clock
func NewPool(store KeyStore, tracker *WindowTracker) *Pool {
	return &Pool{store: store, tracker: tracker}
}

func (p *Pool) now() time.Time {
	return p.tracker.now()
}

// Acquire returns the least-used key that is currently within its limits.
// Keys found over a limit during the scan are deactivated on the way.
func (p *Pool) Acquire(ctx context.Context) (*model.KeyRecord, error) {
	if err := p.tracker.PruneAll(ctx); err != nil {
		return nil, fmt.Errorf("prune windows: %w", err)
	}
	if _, err := p.RecoverAll(ctx); err != nil {
		return nil, err
	}

	keys, err := p.store.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	now := p.now()
	for _, rec := range keys {
		if rec.CoolingDown() {
			continue
		}

		v := p.tracker.evaluate(rec, now)
		if !v.Allowed {
			if err := p.MarkInactive(ctx, rec.Key, v.Kind); err != nil {
				return nil, err
			}
			continue
		}

		if !rec.Active {
			if err := p.MarkActive(ctx, rec.Key); err != nil {
				return nil, err
			}
			rec.Active = true
			rec.LimitKind = model.LimitNone
			rec.LastStatusChangeAt = now
		}
		return rec, nil
	}

	return nil, ErrPoolExhausted
}

// cooledDown reports whether an inactive key's cooldown has elapsed at now.
func (p *Pool) cooledDown(rec *model.KeyRecord, now time.Time) bool {
	if !rec.CoolingDown() || rec.LastStatusChangeAt.IsZero() {
		return false
	}
	switch rec.LimitKind {
	case model.LimitPerMinute:
		return now.Sub(rec.LastStatusChangeAt) >= p.tracker.limits.Window
	case model.LimitPerDay, model.LimitTokenBudget:
		return !sameDay(rec.LastStatusChangeAt, now)
	default:
		return false
	}
}

func sameDay(a, b time.Time) bool {
	a = a.In(b.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (p *Pool) recover(ctx context.Context, rec *model.KeyRecord, now time.Time) (bool, error) {
	if !p.cooledDown(rec, now) {
		return false, nil
	}
	if err := p.store.SetStatus(ctx, rec.Key, true, model.LimitNone, now); err != nil {
		return false, fmt.Errorf("recover %s: %w", model.MaskKey(rec.Key), err)
	}
	metrics.KeyTransitionsTotal.WithLabelValues("active", string(rec.LimitKind)).Inc()
	logger.Info("key recovered", "key", model.MaskKey(rec.Key), "kind", rec.LimitKind)

	rec.Active = true
	rec.LimitKind = model.LimitNone
	rec.LastStatusChangeAt = now
	return true, nil
}

// Recover reactivates key if its cooldown has elapsed.
// A per-minute cooldown lasts one window; per-day and token cooldowns last until the next local day.
func (p *Pool) Recover(ctx context.Context, key string) (bool, error) {
	rec, err := p.store.FindKey(ctx, key)
	if err != nil {
		return false, err
	}
	return p.recover(ctx, rec, p.now())
}

// RecoverAll tries Recover on every inactive key and returns how many came back.
func (p *Pool) RecoverAll(ctx context.Context) (int, error) {
	keys, err := p.store.ListKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}

	now := p.now()
	recovered := 0
	for _, rec := range keys {
		ok, err := p.recover(ctx, rec, now)
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}

// MarkActive flags key usable and clears its limit kind.
func (p *Pool) MarkActive(ctx context.Context, key string) error {
	if err := p.store.SetStatus(ctx, key, true, model.LimitNone, p.now()); err != nil {
		return fmt.Errorf("mark active %s: %w", model.MaskKey(key), err)
	}
	metrics.KeyTransitionsTotal.WithLabelValues("active", "").Inc()
	return nil
}

// MarkInactive puts key into cooldown for kind; an unknown kind counts as per-minute.
func (p *Pool) MarkInactive(ctx context.Context, key string, kind model.LimitKind) error {
	if kind == model.LimitNone {
		kind = model.LimitPerMinute
	}
	if err := p.store.SetStatus(ctx, key, false, kind, p.now()); err != nil {
		return fmt.Errorf("mark inactive %s: %w", model.MaskKey(key), err)
	}
	metrics.KeyTransitionsTotal.WithLabelValues("inactive", string(kind)).Inc()
	logger.Warn("key deactivated", "key", model.MaskKey(key), "kind", kind)
	return nil
}

// === Administration ===

// AddKey provisions one key.
func (p *Pool) AddKey(ctx context.Context, key string) (*model.KeyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidInput)
	}
	return p.store.InsertKey(ctx, key, p.now())
}

// AddKeys provisions many keys; duplicates and blanks are counted, not fatal.
func (p *Pool) AddKeys(ctx context.Context, keys []string) (model.BatchAddResult, error) {
	result, err := p.store.InsertKeys(ctx, keys, p.now())
	if err != nil {
		return result, err
	}
	if result.AddedCount > 0 {
		logger.Info("keys added", "added", result.AddedCount, "duplicates", result.DuplicateCount, "invalid", result.InvalidCount)
	}
	return result, nil
}

// List all keys in selection order.
func (p *Pool) List(ctx context.Context) ([]*model.KeyRecord, error) {
	return p.store.ListKeys(ctx)
}

// Status counts keys per state.
func (p *Pool) Status(ctx context.Context) (model.PoolStatus, error) {
	keys, err := p.store.ListKeys(ctx)
	if err != nil {
		return model.PoolStatus{}, err
	}

	var s model.PoolStatus
	s.Total = len(keys)
	for _, k := range keys {
		switch {
		case k.Active:
			s.Active++
		case k.LimitKind == model.LimitPerMinute:
			s.PerMinute++
		case k.LimitKind == model.LimitPerDay:
			s.PerDay++
		case k.LimitKind == model.LimitTokenBudget:
			s.TokenBudget++
		default:
			s.Idle++
		}
	}
	return s, nil
}
