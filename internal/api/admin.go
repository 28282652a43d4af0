package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/model"
	"github.com/xiaopang/keyrelay/internal/store"
)

// LogStore read side of the call log table.
type LogStore interface {
	QueryLogs(query *model.LogQuery) ([]*model.CallLog, error)
	GetDailyStats(days int, now time.Time) ([]*model.DailyStats, error)
	GetKeyStats(days int, now time.Time) ([]*model.KeyStats, error)
}

// AdminHandler key administration, status and call log API
type AdminHandler struct {
	pool  *core.Pool
	clock func() time.Time
	logs  LogStore
	cfg   *config.Config
}

// NewAdminHandler creates the admin handler
func NewAdminHandler(pool *core.Pool, tracker *core.WindowTracker, logs LogStore, cfg *config.Config) *AdminHandler {
	return &AdminHandler{
		pool:  pool,
		clock: tracker.Now,
		logs:  logs,
		cfg:   cfg,
	}
}

// === Keys ===

// ListKeys lists all keys (masked) in selection order
func (h *AdminHandler) ListKeys(c *gin.Context) {
	keys, err := h.pool.List(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "internal_error", "", err.Error())
		return
	}

	now := h.clock()
	resp := make([]model.KeyResponse, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, k.ToResponse(now))
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// CreateKey adds one key
func (h *AdminHandler) CreateKey(c *gin.Context) {
	var req model.CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request_error", "", "Invalid request: "+err.Error())
		return
	}

	rec, err := h.pool.AddKey(c.Request.Context(), req.Key)
	switch {
	case errors.Is(err, core.ErrInvalidInput):
		errorJSON(c, http.StatusBadRequest, "invalid_request_error", "invalid_input", err.Error())
		return
	case errors.Is(err, store.ErrKeyExists):
		errorJSON(c, http.StatusConflict, "conflict_error", "duplicate_key", "Key already exists")
		return
	case err != nil:
		errorJSON(c, http.StatusInternalServerError, "internal_error", "", err.Error())
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": rec.ToResponse(h.clock())})
}

// CreateKeys bulk adds keys; duplicates and blanks are reported, not rejected
func (h *AdminHandler) CreateKeys(c *gin.Context) {
	var req model.CreateKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request_error", "", "Invalid request: "+err.Error())
		return
	}

	result, err := h.pool.AddKeys(c.Request.Context(), req.Keys)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "internal_error", "", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// RecoverKeys reactivates every key whose cooldown has elapsed
func (h *AdminHandler) RecoverKeys(c *gin.Context) {
	n, err := h.pool.RecoverAll(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "internal_error", "", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"recovered": n})
}

// === Status ===

// GetStatus key counts per state
func (h *AdminHandler) GetStatus(c *gin.Context) {
	status, err := h.pool.Status(c.Request.Context())
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "internal_error", "", err.Error())
		return
	}
	core.UpdatePoolGauges(status)

	limits := core.NewLimits(h.cfg.Limits)
	c.JSON(http.StatusOK, gin.H{
		"keys": status,
		"limits": gin.H{
			"per_minute":     limits.PerMinute,
			"per_day":        limits.PerDay,
			"tokens_per_day": limits.TokensPerDay,
		},
		"store_backend": h.cfg.Store.Backend,
	})
}

// GetHealth pool health. An empty pool is still up; a failing store is down.
func (h *AdminHandler) GetHealth(c *gin.Context) {
	status, err := h.pool.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "down",
			"error":  err.Error(),
		})
		return
	}

	details := gin.H{
		"total":    status.Total,
		"active":   status.Active,
		"inactive": status.Inactive(),
	}
	if status.Total == 0 {
		details["message"] = "No API keys available"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "up",
		"details": details,
	})
}

// === Logs ===

// GetLogs queries call logs
func (h *AdminHandler) GetLogs(c *gin.Context) {
	var query model.LogQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		errorJSON(c, http.StatusBadRequest, "invalid_request_error", "", "Invalid query: "+err.Error())
		return
	}

	logs, err := h.logs.QueryLogs(&query)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "internal_error", "", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": logs})
}

// GetStats daily and per-key aggregates
func (h *AdminHandler) GetStats(c *gin.Context) {
	days := 7
	if v := c.Query("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errorJSON(c, http.StatusBadRequest, "invalid_request_error", "", "days must be a positive integer")
			return
		}
		days = n
	}

	now := h.clock()
	dailyStats, err := h.logs.GetDailyStats(days, now)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "internal_error", "", err.Error())
		return
	}

	keyStats, err := h.logs.GetKeyStats(days, now)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "internal_error", "", err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"daily": dailyStats,
		"keys":  keyStats,
	})
}

// === Config ===

// GetConfig effective configuration without secrets
func (h *AdminHandler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server": gin.H{
			"host":                h.cfg.Server.Host,
			"port":                h.cfg.Server.Port,
			"requests_per_second": h.cfg.Server.RequestsPerSecond,
			"burst":               h.cfg.Server.Burst,
		},
		"store":       h.cfg.Store,
		"limits":      h.cfg.Limits,
		"retry":       h.cfg.Retry,
		"provider":    h.cfg.Provider,
		"maintenance": h.cfg.Maintenance,
		"logging":     h.cfg.Logging,
	})
}
