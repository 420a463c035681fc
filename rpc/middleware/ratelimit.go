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

// RateLimit bounds requests per client for one class of calls.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps a token bucket per (class, client) pair. Classes without a
// configured limit are never throttled.
type RateLimiter struct {
	logger   *slog.Logger
	limits   map[string]RateLimit
	mu       sync.Mutex
	buckets  map[string]*bucket
	idleTTL  time.Duration
	clockNow func() time.Time
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		buckets:  make(map[string]*bucket),
		idleTTL:  5 * time.Minute,
		clockNow: time.Now,
	}
}

// Allow spends one token of class for the client behind r.
func (r *RateLimiter) Allow(class string, req *http.Request) bool {
	limit, ok := r.limits[class]
	if !ok {
		return true
	}
	client := ClientID(req)
	if r.bucketFor(class+"|"+client, limit).Allow() {
		return true
	}
	r.logger.Debug("rate limited", slog.String("class", class), slog.String("client", client))
	return false
}

// Middleware rejects requests over the class budget with 429 before they reach
// next.
func (r *RateLimiter) Middleware(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !r.Allow(class, req) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) bucketFor(id string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	for key, b := range r.buckets {
		if now.Sub(b.lastSeen) > r.idleTTL {
			delete(r.buckets, key)
		}
	}
	if b, ok := r.buckets[id]; ok {
		b.lastSeen = now
		return b.limiter
	}
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	b := &bucket{limiter: rate.NewLimiter(rate.Limit(perSecond), burst), lastSeen: now}
	r.buckets[id] = b
	return b.limiter
}

// ClientID identifies the caller by X-Real-IP, the first X-Forwarded-For hop
// or the remote host, in that order.
func ClientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
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
