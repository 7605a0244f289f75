package worker

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter is a token bucket: it refills at rate tokens per second up
// to burst, and every allowed request takes one token.
type RateLimiter struct {
	lastUpdate time.Time
	now        func() time.Time
	rate       float64
	tokens     float64
	burst      int
	requests   int64
	rejected   int64
	mu         sync.Mutex
}

// NewRateLimiter creates a full bucket.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return newRateLimiterAt(rate, burst, time.Now)
}

func newRateLimiterAt(rate float64, burst int, now func() time.Time) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		now:        now,
		lastUpdate: now(),
	}
}

// Allow reports whether a request may proceed and takes a token if so.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.requests++

	now := rl.now()
	rl.tokens = min(rl.tokens+now.Sub(rl.lastUpdate).Seconds()*rl.rate, float64(rl.burst))
	rl.lastUpdate = now

	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}

	rl.rejected++
	return false
}

func (rl *RateLimiter) idleSince(now time.Time) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return now.Sub(rl.lastUpdate)
}

// LimiterStats is a snapshot of limiter counters.
type LimiterStats struct {
	Rate          float64 `json:"rate"`
	Burst         int     `json:"burst"`
	ActiveClients int     `json:"active_clients"`
	Requests      int64   `json:"total_requests"`
	Rejected      int64   `json:"total_rejected"`
}

// PerClientRateLimiter keeps one token bucket per client address.
// Buckets idle for longer than maxIdleTime are dropped.
type PerClientRateLimiter struct {
	lastCleanup     time.Time
	now             func() time.Time
	clients         map[string]*RateLimiter
	rate            float64
	burst           int
	cleanupInterval time.Duration
	maxIdleTime     time.Duration
	mu              sync.Mutex
}

// NewPerClientRateLimiter creates a per-client limiter.
func NewPerClientRateLimiter(rate float64, burst int) *PerClientRateLimiter {
	return &PerClientRateLimiter{
		rate:            rate,
		burst:           burst,
		now:             time.Now,
		clients:         make(map[string]*RateLimiter),
		cleanupInterval: 5 * time.Minute,
		maxIdleTime:     10 * time.Minute,
		lastCleanup:     time.Now(),
	}
}

// Allow checks if a request from the given client should be allowed.
func (p *PerClientRateLimiter) Allow(clientKey string) bool {
	return p.limiter(clientKey).Allow()
}

func (p *PerClientRateLimiter) limiter(key string) *RateLimiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if now.Sub(p.lastCleanup) > p.cleanupInterval {
		for k, l := range p.clients {
			if l.idleSince(now) > p.maxIdleTime {
				delete(p.clients, k)
			}
		}
		p.lastCleanup = now
	}

	l, ok := p.clients[key]
	if !ok {
		l = newRateLimiterAt(p.rate, p.burst, p.now)
		p.clients[key] = l
	}
	return l
}

// Stats returns aggregate counters over the active clients.
func (p *PerClientRateLimiter) Stats() LimiterStats {
	p.mu.Lock()
	limiters := make([]*RateLimiter, 0, len(p.clients))
	for _, l := range p.clients {
		limiters = append(limiters, l)
	}
	stats := LimiterStats{Rate: p.rate, Burst: p.burst, ActiveClients: len(p.clients)}
	p.mu.Unlock()

	for _, l := range limiters {
		l.mu.Lock()
		stats.Requests += l.requests
		stats.Rejected += l.rejected
		l.mu.Unlock()
	}
	return stats
}

// PerClientRateLimitMiddleware rejects requests over the client's budget
// with 429. Clients are keyed by RemoteAddr, which chi's RealIP middleware
// has already replaced with the forwarded address when present.
func PerClientRateLimitMiddleware(limiter *PerClientRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKey strips the port so that one host shares a bucket across connections.
func clientKey(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
