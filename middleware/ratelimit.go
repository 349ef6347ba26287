// Package middleware carries the HTTP cross-cutting layers: per-client rate
// limits, CSRF double-submit enforcement, request metrics and traces, and
// CORS. Handlers stay free of transport policy.
package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit describes one named limit scope.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies per-client token buckets for named scopes. Clients are
// identified by forwarded IP headers first so limits survive a proxy hop.
type RateLimiter struct {
	logger *slog.Logger
	limits map[string]RateLimit

	mu       sync.Mutex
	visitors map[string]*rateEntry
	idleTTL  time.Duration
	nowFn    func() time.Time
}

// NewRateLimiter builds a limiter over the given scope table. Unknown scopes
// pass through unlimited.
func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		idleTTL:  15 * time.Minute,
		nowFn:    time.Now,
	}
}

// Middleware enforces the named scope on the wrapped handler.
func (r *RateLimiter) Middleware(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[scope]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			client := clientID(req)
			if !r.allow(scope, client, limit) {
				r.logger.WarnContext(req.Context(), "request rate limited",
					slog.String("scope", scope),
					slog.String("route", req.URL.Path),
				)
				writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, slow down")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) allow(scope, client string, cfg RateLimit) bool {
	now := r.nowFn()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	key := scope + "|" + client
	entry, ok := r.visitors[key]
	if !ok {
		perSecond := cfg.RequestsPerMinute / 60.0
		if perSecond <= 0 {
			perSecond = 1
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
		r.visitors[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// pruneLocked drops buckets idle past the TTL so the visitor map stays
// bounded by active clients.
func (r *RateLimiter) pruneLocked(now time.Time) {
	for key, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > r.idleTTL {
			delete(r.visitors, key)
		}
	}
}

// clientID resolves the caller identity: X-Real-IP, then the first hop of
// X-Forwarded-For, then the socket address.
func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if raw := r.Header.Get("X-Forwarded-For"); raw != "" {
		first := raw
		if comma := strings.IndexByte(raw, ','); comma > 0 {
			first = raw[:comma]
		}
		first = strings.TrimSpace(first)
		if parsed := net.ParseIP(first); parsed != nil {
			return parsed.String()
		}
		return first
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
