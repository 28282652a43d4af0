package core

import (
	"context"
	"sync"
	"time"

	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/metrics"
	"github.com/xiaopang/keyrelay/internal/model"
)

// LogCleaner removes call logs past retention.
type LogCleaner interface {
	CleanOldLogs(retentionDays int, now time.Time) (int64, error)
}

// Maintainer periodically prunes windows, recovers cooled-down keys,
// refreshes pool gauges and trims call logs.
type Maintainer struct {
	pool          *Pool
	logs          LogCleaner
	cfg           config.MaintenanceConfig
	retentionDays int
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// NewMaintainer creates a maintainer; logs may be nil.
func NewMaintainer(pool *Pool, logs LogCleaner, cfg config.MaintenanceConfig, retentionDays int) *Maintainer {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.Interval <= 0 {
		cfg.Interval = 30
	}
	return &Maintainer{
		pool:          pool,
		logs:          logs,
		cfg:           cfg,
		retentionDays: retentionDays,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (m *Maintainer) resetContext() {
	m.ctx, m.cancel = context.WithCancel(context.Background())
}

// Start launches the background loop when enabled
func (m *Maintainer) Start() {
	if !m.cfg.IsEnabled() {
		return
	}
	if m.ctx == nil || m.ctx.Err() != nil {
		m.resetContext()
	}

	m.wg.Add(1)
	go m.run()
}

// Stop stops the loop and waits for the running sweep.
func (m *Maintainer) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Maintainer) run() {
	defer m.wg.Done()

	// sweep once at startup
	m.Sweep(m.ctx)

	ticker := time.NewTicker(time.Duration(m.cfg.Interval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.ctx)
		}
	}
}

// Sweep runs one maintenance pass. Errors are logged; the next tick retries.
func (m *Maintainer) Sweep(ctx context.Context) {
	if err := m.pool.tracker.PruneAll(ctx); err != nil {
		logger.Error("prune windows failed", "error", err.Error())
	}

	recovered, err := m.pool.RecoverAll(ctx)
	if err != nil {
		logger.Error("recover keys failed", "error", err.Error())
	} else if recovered > 0 {
		logger.Info("keys recovered", "count", recovered)
	}

	if status, err := m.pool.Status(ctx); err != nil {
		logger.Error("pool status failed", "error", err.Error())
	} else {
		UpdatePoolGauges(status)
	}

	if m.logs != nil && m.retentionDays > 0 {
		deleted, err := m.logs.CleanOldLogs(m.retentionDays, m.pool.now())
		if err != nil {
			logger.Error("clean call logs failed", "error", err.Error())
		} else if deleted > 0 {
			logger.Info("call logs cleaned", "deleted", deleted)
		}
	}
}

// UpdatePoolGauges publishes key counts per state.
func UpdatePoolGauges(s model.PoolStatus) {
	metrics.PoolKeys.WithLabelValues("active").Set(float64(s.Active))
	metrics.PoolKeys.WithLabelValues("idle").Set(float64(s.Idle))
	metrics.PoolKeys.WithLabelValues(string(model.LimitPerMinute)).Set(float64(s.PerMinute))
	metrics.PoolKeys.WithLabelValues(string(model.LimitPerDay)).Set(float64(s.PerDay))
	metrics.PoolKeys.WithLabelValues(string(model.LimitTokenBudget)).Set(float64(s.TokenBudget))
}
