// Package ratelimit provides token-bucket rate limiting: inbound middleware
// for the ops API and outbound throttling of operator calls.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config sizes one token bucket per key.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
	// CleanupInterval is how often idle keys are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig is the inbound limit for the ops API.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60, // 1 req/sec average
		BurstSize:         10, // Allow bursts of 10
		CleanupInterval:   time.Minute,
	}
}

// Limiter keeps a token bucket per key. Inbound keys are client IPs or
// webhook senders; outbound keys are operator types.
type Limiter struct {
	cfg     Config
	mu      sync.RWMutex
	clients map[string]*clientState

	stop     chan struct{}
	stopOnce sync.Once
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New starts a limiter and its cleanup loop. Call Stop when done.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := time.Now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow takes a token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	return l.reserve(key) == 0
}

// Wait blocks until key has a token or ctx is done. It is used to pace
// outbound calls rather than reject them.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	for {
		wait := l.reserve(key)
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes a token for key if one is available and returns 0.
// Otherwise it returns how long until the next token accrues.
func (l *Limiter) reserve(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	state, exists := l.clients[key]

	if !exists {
		l.clients[key] = &clientState{
			tokens:    float64(l.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return 0
	}

	// Token bucket algorithm
	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	state.tokens += elapsed * tokensPerSecond

	// Cap at burst size
	if state.tokens > float64(l.cfg.BurstSize) {
		state.tokens = float64(l.cfg.BurstSize)
	}

	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return 0
	}

	if tokensPerSecond <= 0 {
		return time.Second
	}
	missing := 1 - state.tokens
	return time.Duration(missing / tokensPerSecond * float64(time.Second))
}

// Exempt lists paths the middleware never limits. Probes and scrapes come
// from a few fixed addresses and must not be throttled.
var Exempt = map[string]bool{
	"/health/live":  true,
	"/health/ready": true,
	"/metrics":      true,
}

// Middleware limits requests per client IP. Operator webhook deliveries are
// keyed by operator type instead, since one operator may push from many
// addresses.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Exempt[c.Request.URL.Path] {
			c.Next()
			return
		}

		key := "ip:" + c.ClientIP()
		if typ := c.Param("type"); typ != "" && strings.HasSuffix(c.FullPath(), "/webhook") {
			key = "webhook:" + typ
		}

		if wait := l.reserve(key); wait > 0 {
			secs := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": secs,
			})
			return
		}

		c.Next()
	}
}
