package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaopang/keyrelay/internal/config"
	"github.com/xiaopang/keyrelay/internal/core"
	"github.com/xiaopang/keyrelay/internal/logger"
	"github.com/xiaopang/keyrelay/internal/model"
)

const requestIDHeader = "X-Request-ID"

func errorJSON(c *gin.Context, status int, typ, code, message string) {
	c.AbortWithStatusJSON(status, model.ErrorResponse{
		Error: model.ErrorDetail{
			Message: message,
			Type:    typ,
			Code:    code,
		},
	})
}

// AuthMiddleware bearer token auth; an empty apiKey disables it.
func AuthMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			errorJSON(c, http.StatusUnauthorized, "authentication_error", "missing_api_key", "Missing Authorization header")
			return
		}

		// a bare token without the Bearer prefix is accepted too
		token := strings.TrimPrefix(auth, "Bearer ")
		if token != apiKey {
			errorJSON(c, http.StatusUnauthorized, "authentication_error", "invalid_api_key", "Invalid API key")
			return
		}

		c.Next()
	}
}

// CORSMiddleware CORS
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With, X-Request-ID")
		c.Header("Access-Control-Expose-Headers", requestIDHeader)
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// RecoveryMiddleware turns a handler panic into a 500.
func RecoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				logger.Error("panic recovered", "path", c.Request.URL.Path, "error", fmt.Sprint(err))
				errorJSON(c, http.StatusInternalServerError, "internal_error", "internal_error", "Internal server error")
			}
		}()
		c.Next()
	}
}

// RequestIDMiddleware propagates or assigns X-Request-ID and puts it on the request context.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(core.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

// LoggerMiddleware access log
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Info("http request",
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"method", c.Request.Method,
			"path", path,
			"request_id", c.GetString("request_id"),
		)
	}
}

// SetupRouter wires middleware and routes.
func SetupRouter(cfg *config.Config, proxy *ProxyHandler, admin *AdminHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	v1 := r.Group("/v1")
	v1.Use(AuthMiddleware(cfg.Server.APIKey))
	if cfg.Server.RequestsPerSecond > 0 {
		v1.Use(RateLimitMiddleware(NewClientLimiter(cfg.Server.RequestsPerSecond, cfg.Server.Burst)))
	}
	{
		v1.POST("/completions", proxy.Completions)
		v1.POST("/chat", proxy.Chat)
	}

	api := r.Group("/api")
	api.Use(AuthMiddleware(cfg.Server.AdminAPIKey))
	{
		// keys
		api.GET("/keys", admin.ListKeys)
		api.POST("/keys", admin.CreateKey)
		api.POST("/keys/batch", admin.CreateKeys)
		api.POST("/keys/recover", admin.RecoverKeys)

		api.GET("/status", admin.GetStatus)
		api.GET("/health", admin.GetHealth)

		api.GET("/logs", admin.GetLogs)
		api.GET("/stats", admin.GetStats)

		api.GET("/config", admin.GetConfig)
	}

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.NoRoute(func(c *gin.Context) {
		errorJSON(c, http.StatusNotFound, "not_found_error", "not_found", "not found")
	})

	return r
}
