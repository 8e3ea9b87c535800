// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements an in-memory, per-client token-bucket limiter for the
// control API. Buckets are keyed by client IP, created on demand and evicted
// opportunistically once idle. The limiter is process-local.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/tbourn/fedi-timeline-sync/internal/clock"
)

const (
	visitorTTL   = 10 * time.Minute
	gcEveryCalls = 5000
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter is a per-client token-bucket limiter. Safe for concurrent use.
type RateLimiter struct {
	rps   rate.Limit
	burst int
	clock clock.Clock

	// Exempt requests bypass the limiter (e.g. event streams, probes).
	Exempt func(*gin.Context) bool

	mu       sync.Mutex
	visitors map[string]*visitor
	calls    int
}

// NewRateLimiter builds a limiter refilling rps tokens per second up to
// burst (coerced to >= 1). A nil clock uses wall time.
func NewRateLimiter(rps float64, burst int, c clock.Clock) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		clock:    clock.OrReal(c),
		visitors: make(map[string]*visitor),
	}
}

// limiterFor returns the bucket for key. Idle buckets are swept every
// gcEveryCalls lookups, before the requested bucket is touched.
func (rl *RateLimiter) limiterFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.calls++
	if rl.calls >= gcEveryCalls {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) >= visitorTTL {
				delete(rl.visitors, k)
			}
		}
		rl.calls = 0
	}

	if v, ok := rl.visitors[key]; ok {
		v.lastSeen = now
		return v.limiter
	}
	lim := rate.NewLimiter(rl.rps, rl.burst)
	rl.visitors[key] = &visitor{limiter: lim, lastSeen: now}
	return lim
}

// Handler enforces the limit. Rejected requests get 429 with Retry-After set
// to the whole seconds until a token is available.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.Exempt != nil && rl.Exempt(c) {
			c.Next()
			return
		}

		now := rl.clock.Now()
		lim := rl.limiterFor("ip:"+c.ClientIP(), now)
		res := lim.ReserveN(now, 1)
		delay := res.DelayFrom(now)
		if res.OK() && delay == 0 {
			c.Next()
			return
		}
		res.CancelAt(now)

		retry := 1
		if res.OK() {
			retry = int(math.Ceil(delay.Seconds()))
		}
		c.Header("Retry-After", strconv.Itoa(retry))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"request_id": c.Writer.Header().Get(requestIDHeader),
			"code":       "too_many_requests",
			"message":    "rate limit exceeded",
		})
	}
}
