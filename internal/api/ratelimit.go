package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// idleClientTTL how long an unused client bucket is kept.
const idleClientTTL = 10 * time.Minute

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter token bucket per caller.
type ClientLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	clients map[string]*clientBucket
	now     func() time.Time
}

// NewClientLimiter allows rps requests per second per client with the given burst.
func NewClientLimiter(rps float64, burst int) *ClientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ClientLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		clients: make(map[string]*clientBucket),
		now:     time.Now,
	}
}

// Allow takes one token from client's bucket.
func (l *ClientLimiter) Allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[client] = b
	}
	b.lastSeen = now
	l.evict(now)

	return b.limiter.AllowN(now, 1)
}

// evict drops buckets idle for longer than idleClientTTL. Caller holds mu.
func (l *ClientLimiter) evict(now time.Time) {
	for k, b := range l.clients {
		if now.Sub(b.lastSeen) > idleClientTTL {
			delete(l.clients, k)
		}
	}
}

// Len number of tracked clients.
func (l *ClientLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// clientID identifies the caller by bearer token, falling back to the remote IP.
func clientID(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return "token:" + strings.TrimPrefix(auth, "Bearer ")
	}
	return "ip:" + c.ClientIP()
}

// RateLimitMiddleware rejects callers over their bucket with 429.
func RateLimitMiddleware(l *ClientLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(clientID(c)) {
			c.Header("Retry-After", "1")
			errorJSON(c, http.StatusTooManyRequests, "rate_limit_error", "rate_limit_exceeded", "Too many requests")
			return
		}
		c.Next()
	}
}
