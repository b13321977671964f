// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements a process-local token-bucket rate limiter on
// golang.org/x/time/rate with per-client buckets and opportunistic eviction
// of idle buckets. Requests that replay a stored idempotent outcome bypass
// it, so a client retrying a payment is never locked out of its own answer.
package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	bucketIdleTTL = 10 * time.Minute
	sweepEvery    = 5000

	// ctxKeyRateBypass is set by IdempotencyValidator on replays.
	ctxKeyRateBypass = "rate.bypass"
)

// keyFunc maps a request to the identity of its bucket.
type keyFunc func(*gin.Context) string

// KeyByClientIP buckets by client IP. Unsafe methods get their own bucket so
// progress polling cannot starve payment submissions from the same client.
func KeyByClientIP() keyFunc {
	return func(c *gin.Context) string {
		key := "ip:" + c.ClientIP()
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return key
		default:
			return key + ":write"
		}
	}
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter is a per-key token-bucket limiter, safe for concurrent use.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	keyFn   keyFunc
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	lookups int
}

// NewRateLimiter refills rps tokens per second up to burst (at least 1).
func NewRateLimiter(rps float64, burst int, keyFn keyFunc) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   max(burst, 1),
		keyFn:   keyFn,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// bucketFor returns the limiter for key, evicting idle buckets every
// sweepEvery lookups. Eviction runs first, so a stale bucket is replaced even
// when it is the one being fetched.
func (rl *RateLimiter) bucketFor(key string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.lookups++; rl.lookups >= sweepEvery {
		rl.lookups = 0
		for k, b := range rl.buckets {
			if now.Sub(b.seen) >= bucketIdleTTL {
				delete(rl.buckets, k)
			}
		}
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.seen = now
	return b.lim
}

// IsRateBypass reports whether IdempotencyValidator exempted the request.
func IsRateBypass(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyRateBypass)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Handler enforces the limit. A rejected request gets 429 with Retry-After
// set to the whole seconds until its bucket holds a token again.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsRateBypass(c) {
			c.Next()
			return
		}
		now := rl.now()
		lim := rl.bucketFor(rl.keyFn(c), now)
		if lim.AllowN(now, 1) {
			c.Next()
			return
		}
		c.Header("Retry-After", retryAfter(lim, now))
		abortJSON(c, http.StatusTooManyRequests, "too_many_requests", "rate limit exceeded")
	}
}

// noRefillRetryAfter is sent when the bucket never refills (zero rate).
const noRefillRetryAfter = "60"

// retryAfter peeks at the wait for the next token without consuming it.
func retryAfter(lim *rate.Limiter, now time.Time) string {
	if lim.Limit() <= 0 {
		return noRefillRetryAfter
	}
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return noRefillRetryAfter
	}
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	if wait == rate.InfDuration {
		return noRefillRetryAfter
	}
	return strconv.Itoa(max(1, int(math.Ceil(wait.Seconds()))))
}
