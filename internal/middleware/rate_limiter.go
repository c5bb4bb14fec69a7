package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	"github.com/popeskul/modelserve/internal/api"
)

const clientStaleAfter = 3 * time.Minute

// RateLimiter throttles requests per client host.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientEntry
	rate    rate.Limit
	burst   int
}

type clientEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter and starts its background
// eviction of idle clients.
func NewRateLimiter(r rate.Limit, b int) *RateLimiter {
	rl := &RateLimiter{
		clients: make(map[string]*clientEntry),
		rate:    r,
		burst:   b,
	}

	go rl.evictIdle()

	return rl
}

func (rl *RateLimiter) evictIdle() {
	for {
		time.Sleep(time.Minute)

		rl.mu.Lock()
		for host, c := range rl.clients {
			if time.Since(c.lastSeen) > clientStaleAfter {
				delete(rl.clients, host)
			}
		}
		rl.mu.Unlock()
	}
}

func (rl *RateLimiter) limiterFor(host string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	c, ok := rl.clients[host]
	if !ok {
		c = &clientEntry{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[host] = c
	}
	c.lastSeen = time.Now()
	return c.limiter
}

// Middleware returns a rate limiting middleware keyed by client host.
func (rl *RateLimiter) Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}

			if !rl.limiterFor(host).Allow() {
				render.Status(r, http.StatusTooManyRequests)
				render.JSON(w, r, api.ErrorResponse{Detail: detailRateLimited})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
