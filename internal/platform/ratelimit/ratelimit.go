// Package ratelimit implements fixed-window rate limiting on top of the
// cache's atomic window counters.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flowcore-ai/flowcore/internal/platform/cache"
	"github.com/flowcore-ai/flowcore/internal/platform/logger"
	"github.com/flowcore-ai/flowcore/internal/platform/metrics"
	"github.com/flowcore-ai/flowcore/internal/platform/response"
)

// Result describes one limiter decision.
type Result struct {
	Allowed    bool
	Count      int64
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is a fixed-window rate limiter. Counters live in the cache so
// every orchestrator instance sees the same windows.
type Limiter struct {
	cache   cache.Cache
	log     logger.Logger
	metrics *metrics.Metrics
}

// New creates a limiter over the given cache.
func New(c cache.Cache, log logger.Logger, m *metrics.Metrics) *Limiter {
	return &Limiter{cache: c, log: log, metrics: m}
}

// Allow counts one request for the client in the named bucket. When the
// backing store is unreachable the limiter fails open: the request is
// allowed and the failure is counted.
func (l *Limiter) Allow(ctx context.Context, bucket, clientID string, window time.Duration, max int) Result {
	key := fmt.Sprintf("ratelimit:%s:%s", bucket, clientID)
	count, remaining, err := l.cache.IncrWindow(ctx, key, window)
	if err != nil {
		l.log.Warn("rate limiter backing store unavailable, failing open",
			"bucket", bucket, "error", err)
		if l.metrics != nil {
			l.metrics.RateLimiterFailOpen.Inc()
		}
		return Result{Allowed: true, Limit: max, Remaining: max, ResetAt: time.Now().Add(window)}
	}

	res := Result{
		Count:   count,
		Limit:   max,
		ResetAt: time.Now().Add(remaining),
	}
	if count <= int64(max) {
		res.Allowed = true
		res.Remaining = max - int(count)
	} else {
		res.RetryAfter = remaining
	}
	return res
}

// Middleware enforces the bucket on an HTTP route. Every response carries
// the X-RateLimit headers; rejected requests get 429 with Retry-After.
func (l *Limiter) Middleware(bucket string, window time.Duration, max int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := l.Allow(r.Context(), bucket, ClientID(r), window, max)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.UnixMilli(), 10))

			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
				response.Error(w, response.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientID identifies the caller for rate limiting. An authenticated
// principal header wins over the remote address.
func ClientID(r *http.Request) string {
	if principal := r.Header.Get("X-Principal"); principal != "" {
		return principal
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
