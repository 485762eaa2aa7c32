// ABOUTME: Per-IP in-memory rate limiter in front of the admin job API.
// ABOUTME: Uses golang.org/x/time/rate; idle entries are evicted lazily on Allow.
package api

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type ipRateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastSeen  map[string]time.Time
	r         rate.Limit
	burst     int
	evictTTL  time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func newIPRateLimiter(r rate.Limit, burst int, evictTTL time.Duration) *ipRateLimiter {
	if evictTTL <= 0 {
		evictTTL = 15 * time.Minute
	}
	return &ipRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		r:        r,
		burst:    burst,
		evictTTL: evictTTL,
		now:      time.Now,
	}
}

// Allow reports whether ip is within its rate limit.
func (rl *ipRateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if now.Sub(rl.lastSweep) >= rl.evictTTL/2 {
		rl.evictIdle(now)
	}
	l, ok := rl.limiters[ip]
	if !ok {
		l = rate.NewLimiter(rl.r, rl.burst)
		rl.limiters[ip] = l
	}
	rl.lastSeen[ip] = now
	return l.AllowN(now, 1)
}

// evictIdle drops limiters not used within evictTTL. Caller holds mu.
func (rl *ipRateLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-rl.evictTTL)
	for ip, last := range rl.lastSeen {
		if last.Before(cutoff) {
			delete(rl.limiters, ip)
			delete(rl.lastSeen, ip)
		}
	}
	rl.lastSweep = now
}

// size is the number of tracked IPs.
func (rl *ipRateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// rateLimit returns a middleware that applies per-IP rate limiting. The IP is
// taken from r.RemoteAddr, so chi's RealIP middleware must run first.
func (srv *Server) rateLimit() func(http.Handler) http.Handler {
	retryAfter := "1"
	if r := srv.rateLimiter.r; r > 0 && r < 1 {
		// Seconds until one token refills, ignoring float noise in 1/r.
		retryAfter = strconv.Itoa(int(math.Ceil(1/float64(r) - 1e-9)))
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := r.RemoteAddr
			if host, _, err := net.SplitHostPort(ip); err == nil {
				ip = host
			}
			if !srv.rateLimiter.Allow(ip) {
				w.Header().Set("Retry-After", retryAfter)
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
