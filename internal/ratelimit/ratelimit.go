// Package ratelimit throttles request floods and repeated authentication
// attempts per client.
package ratelimit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type Config struct {
	GlobalRPS   float64
	GlobalBurst int
	// LoginLimit is the number of authentication attempts one client may make
	// per LoginWindow. Zero disables login throttling.
	LoginLimit  int
	LoginWindow time.Duration
	// Store shares login counters between replicas. When nil, counters are
	// kept in memory.
	Store Store
}

// Store is a fixed-window counter shared between processes.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

type Limiter struct {
	global      *rate.Limiter
	loginLimit  int
	loginWindow time.Duration
	store       Store

	mu      sync.Mutex
	clients map[string]*clientLimiter
	now     func() time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	l := &Limiter{
		loginLimit:  cfg.LoginLimit,
		loginWindow: cfg.LoginWindow,
		store:       cfg.Store,
		clients:     make(map[string]*clientLimiter),
		now:         time.Now,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = max(int(cfg.GlobalRPS), 1)
		}
		l.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if l.loginLimit < 0 {
		l.loginLimit = 0
	}
	if l.loginWindow <= 0 {
		l.loginWindow = time.Minute
	}
	return l
}

// AllowRequest applies the process-wide request budget.
func (l *Limiter) AllowRequest() bool {
	if l == nil || l.global == nil {
		return true
	}
	return l.global.Allow()
}

// AllowLogin consumes one authentication attempt for key. When refused it
// reports how long the client should wait.
func (l *Limiter) AllowLogin(ctx context.Context, key string) (bool, time.Duration, error) {
	if l == nil || l.loginLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if l.store != nil {
		return l.store.Allow(ctx, "login:"+key, l.loginLimit, l.loginWindow)
	}

	now := l.now()
	l.mu.Lock()
	client, ok := l.clients[key]
	if !ok {
		every := rate.Every(l.loginWindow / time.Duration(l.loginLimit))
		client = &clientLimiter{limiter: rate.NewLimiter(every, l.loginLimit)}
		l.clients[key] = client
	}
	client.lastSeen = now
	l.cleanupLocked(now)
	l.mu.Unlock()

	reservation := client.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

func (l *Limiter) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * l.loginWindow)
	for key, client := range l.clients {
		if client.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// ClientKey identifies the remote peer of r by IP address.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
