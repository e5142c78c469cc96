package control

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ClientLimiter keeps a token bucket per client IP.
type ClientLimiter struct {
	limit      rate.Limit
	burst      int
	idle       time.Duration
	maxClients int

	mu      sync.Mutex
	clients map[string]*clientBucket
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter allows each client perSecond events with the given burst.
func NewClientLimiter(perSecond float64, burst int) *ClientLimiter {
	if burst < 1 {
		burst = 1
	}
	return &ClientLimiter{
		limit:      rate.Limit(perSecond),
		burst:      burst,
		idle:       10 * time.Minute,
		maxClients: 10000,
		clients:    make(map[string]*clientBucket),
	}
}

// Allow reports whether ip may proceed now.
func (l *ClientLimiter) Allow(ip string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.clients[ip]
	if !ok {
		if len(l.clients) >= l.maxClients {
			l.evict(now)
		}
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// evict drops idle clients, then an arbitrary tenth if still full.
func (l *ClientLimiter) evict(now time.Time) {
	for ip, b := range l.clients {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.clients, ip)
		}
	}
	if len(l.clients) < l.maxClients {
		return
	}
	toRemove := len(l.clients) / 10
	for ip := range l.clients {
		if toRemove <= 0 {
			break
		}
		delete(l.clients, ip)
		toRemove--
	}
}

// Middleware rejects requests from clients over their limit.
func (l *ClientLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP uses the TCP peer address only; forwarded headers can be spoofed.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
