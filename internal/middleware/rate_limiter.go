// Package middleware holds the HTTP cross-cutting layers: rate limiting,
// CORS, and request logging.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tmt/backend/internal/metrics"
)

// RateLimiter enforces a sliding-window request budget per client IP. With a
// Redis client the window is shared across processes via a sorted set per
// key; without one it degrades to an in-memory window, which is fine for a
// single replica.
type RateLimiter struct {
	redis  *redis.Client
	logger *slog.Logger

	limit  int
	window time.Duration
	scope  string

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewRateLimiter builds a limiter. rdb may be nil. scope separates budgets
// sharing one Redis instance (e.g. "global" vs "sos").
func NewRateLimiter(rdb *redis.Client, logger *slog.Logger, scope string, limit int, window time.Duration) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		redis:   rdb,
		logger:  logger.With("component", "ratelimit", "scope", scope),
		limit:   limit,
		window:  window,
		scope:   scope,
		windows: make(map[string][]time.Time),
	}
}

// Allow reports whether one more request from key fits the window.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if rl.redis != nil {
		ok, err := rl.allowRedis(ctx, key)
		if err == nil {
			return ok
		}
		rl.logger.Warn("redis window failed, using local window", "error", err)
	}
	return rl.allowLocal(key)
}

func (rl *RateLimiter) allowRedis(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	rkey := fmt.Sprintf("tmt:rate:%s:%s", rl.scope, key)
	cutoff := now.Add(-rl.window)

	pipe := rl.redis.TxPipeline()
	pipe.ZRemRangeByScore(ctx, rkey, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	pipe.ZAdd(ctx, rkey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	count := pipe.ZCard(ctx, rkey)
	pipe.Expire(ctx, rkey, rl.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return count.Val() <= int64(rl.limit), nil
}

func (rl *RateLimiter) allowLocal(key string) bool {
	now := time.Now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	times := rl.windows[key]
	live := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	live = append(live, now)
	rl.windows[key] = live
	return len(live) <= rl.limit
}

// Middleware rejects over-budget requests with 429 and a Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(rl.window.Seconds()))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(r.Context(), clientIP(r)) {
			metrics.RateLimited.WithLabelValues(rl.scope).Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", retryAfter)
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after_seconds":%s}`, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartCleanup prunes idle local windows until ctx ends.
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * rl.window)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				cutoff := time.Now().Add(-rl.window)
				rl.mu.Lock()
				for key, times := range rl.windows {
					if len(times) == 0 || !times[len(times)-1].After(cutoff) {
						delete(rl.windows, key)
					}
				}
				rl.mu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// clientIP prefers the first X-Forwarded-For hop, falling back to RemoteAddr.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
