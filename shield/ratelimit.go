package shield

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/abdom/kit"
)

// Rate allows Requests per Window for each client and endpoint, with bursts
// of up to Requests.
type Rate struct {
	Requests int
	Window   time.Duration
}

// Enabled reports whether r limits anything.
func (r Rate) Enabled() bool { return r.Requests > 0 && r.Window > 0 }

func (r Rate) interval() time.Duration { return r.Window / time.Duration(r.Requests) }

type client struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter holds one token bucket per client IP and endpoint. Buckets
// idle for a whole window are full again and are dropped by StartGC.
type RateLimiter struct {
	rate    Rate
	logger  *slog.Logger
	exclude []string
	now     func() time.Time

	mu      sync.Mutex
	clients map[string]*client
}

// NewRateLimiter creates a limiter. Paths under excludePrefixes are never
// limited.
func NewRateLimiter(r Rate, logger *slog.Logger, excludePrefixes ...string) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		rate:    r,
		logger:  logger,
		exclude: excludePrefixes,
		now:     time.Now,
		clients: make(map[string]*client),
	}
}

// StartGC drops idle buckets every window until done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}) {
	tick := time.NewTicker(rl.rate.Window)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				rl.gc()
			}
		}
	}()
}

// Len returns the number of live buckets.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

func (rl *RateLimiter) gc() {
	cutoff := rl.now().Add(-rl.rate.Window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

func (rl *RateLimiter) allow(ip, endpoint string) bool {
	key := ip + " " + endpoint
	now := rl.now()

	rl.mu.Lock()
	c := rl.clients[key]
	if c == nil {
		c = &client{lim: rate.NewLimiter(rate.Every(rl.rate.interval()), rl.rate.Requests)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	return c.lim.AllowN(now, 1)
}

// Middleware answers 429 with a JSON error once a client exceeds the rate.
// Retry-After is the time for one token to refill.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		if rl.allow(ip, endpoint) {
			next.ServeHTTP(w, r)
			return
		}

		rl.logger.Warn("shield: rate limit exceeded", "ip", ip, "endpoint", endpoint)
		secs := int((rl.rate.interval() + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		kit.WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
