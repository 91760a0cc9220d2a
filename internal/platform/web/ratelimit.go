package web

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default cleanup intervals.
const (
	cleanupInterval = 1 * time.Minute
	visitorTimeout  = 3 * time.Minute
)

// visitor is a single client IP and its token bucket.
type visitor struct {
	limiter *rate.Limiter
	// mu protects lastSeen so different clients do not contend.
	mu       sync.Mutex
	lastSeen time.Time
}

// RateLimiter manages rate limiting for multiple clients, one token bucket per client IP.
type RateLimiter struct {
	// visitors maps client IPs to their bucket.
	visitors map[string]*visitor
	// mu protects the map itself (adding/removing visitors).
	mu sync.RWMutex

	// limit is the number of tokens added per second.
	limit rate.Limit
	// burst is the max burst size.
	burst int

	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

// NewRateLimiter creates a RateLimiter and starts the background cleanup.
// Call Stop to end the cleanup goroutine.
func NewRateLimiter(perSecond, burst float64) *RateLimiter {
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    max(1, int(burst)),
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	go rl.cleanupLoop()

	return rl
}

// Stop ends the background cleanup.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// getVisitor retrieves or creates the bucket for ip.
func (rl *RateLimiter) getVisitor(ip string) *visitor {
	// Fast path: read lock.
	rl.mu.RLock()
	v, exists := rl.visitors[ip]
	rl.mu.RUnlock()

	if exists {
		return v
	}

	// Slow path: write lock.
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if v, exists = rl.visitors[ip]; !exists {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)} // Starts full
		rl.visitors[ip] = v
	}

	return v
}

// Allow reports whether ip may make a request now. When it may not, the
// returned duration is how long until a token is available.
func (rl *RateLimiter) Allow(ip string) (bool, time.Duration) {
	v := rl.getVisitor(ip)
	now := rl.now()

	v.mu.Lock()
	v.lastSeen = now
	v.mu.Unlock()

	if v.limiter.AllowN(now, 1) {
		return true, 0
	}

	missing := 1 - v.limiter.TokensAt(now)
	return false, time.Duration(missing / float64(rl.limit) * float64(time.Second))
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup removes idle visitors to keep the map bounded.
func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, v := range rl.visitors {
		v.mu.Lock()
		if rl.now().Sub(v.lastSeen) > visitorTimeout {
			delete(rl.visitors, ip)
		}
		v.mu.Unlock()
	}
}

// Middleware wraps a handler to enforce the per-client limit.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := rl.Allow(clientIP(r)); !ok {
			w.Header().Set("Retry-After", retryAfter(wait))
			writeError(w, http.StatusTooManyRequests, "Too Many Requests")
			return
		}

		next(w, r)
	}
}

// retryAfter renders wait as whole seconds, rounded up, at least 1.
func retryAfter(wait time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(wait.Seconds()))))
}

// clientIP prefers the first X-Forwarded-For hop, then the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
