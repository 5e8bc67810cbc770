package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter keeps a token bucket per client. Buckets idle for longer than ttl are dropped.
type clientLimiter struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu      sync.Mutex
	clients map[string]*clientBucket

	done      chan struct{}
	closeOnce sync.Once
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(limit rate.Limit, burst int, ttl time.Duration) *clientLimiter {
	c := &clientLimiter{
		limit:   limit,
		burst:   burst,
		ttl:     ttl,
		clients: make(map[string]*clientBucket),
		done:    make(chan struct{}),
	}
	go c.janitor()
	return c
}

func (c *clientLimiter) Allow(key string) bool {
	now := time.Now()

	c.mu.Lock()
	b, ok := c.clients[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.clients[key] = b
	}
	b.lastSeen = now
	c.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

func (c *clientLimiter) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, b := range c.clients {
		if now.Sub(b.lastSeen) > c.ttl {
			delete(c.clients, key)
		}
	}
}

func (c *clientLimiter) janitor() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

func (c *clientLimiter) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// clientKey identifies the client of r: the first X-Forwarded-For address when behind a proxy,
// the remote host otherwise.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
