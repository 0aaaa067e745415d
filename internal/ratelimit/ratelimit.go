// Package ratelimit admits SOCKS connections and tunnel requests under global
// and per-key token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limits configures a RateLimiter. Rates are events per second; zero disables
// that limit.
type Limits struct {
	GlobalConn float64 `yaml:"global-conn"`
	PerKeyConn float64 `yaml:"per-key-conn"`
	GlobalReq  float64 `yaml:"global-req"`
	PerKeyReq  float64 `yaml:"per-key-req"`
	Burst      int     `yaml:"burst"`
}

func (l Limits) Enabled() bool {
	return l.GlobalConn > 0 || l.PerKeyConn > 0 || l.GlobalReq > 0 || l.PerKeyReq > 0
}

type keyed struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one global bucket and one bucket per key for each of
// connections and requests. Connections are keyed by source IP, requests by
// client id.
type RateLimiter struct {
	limits Limits
	now    func() time.Time

	globalConn *rate.Limiter
	globalReq  *rate.Limiter

	mu   sync.Mutex
	conn map[string]*keyed
	req  map[string]*keyed
}

func New(l Limits) *RateLimiter {
	if l.Burst <= 0 {
		l.Burst = 1
	}
	rl := &RateLimiter{
		limits: l,
		now:    time.Now,
		conn:   make(map[string]*keyed),
		req:    make(map[string]*keyed),
	}
	if l.GlobalConn > 0 {
		rl.globalConn = rate.NewLimiter(rate.Limit(l.GlobalConn), l.Burst)
	}
	if l.GlobalReq > 0 {
		rl.globalReq = rate.NewLimiter(rate.Limit(l.GlobalReq), l.Burst)
	}
	return rl
}

// AllowConnection reports whether a new connection from key is admitted.
func (rl *RateLimiter) AllowConnection(key string) bool {
	return rl.allow(rl.globalConn, rl.conn, rl.limits.PerKeyConn, key)
}

// AllowRequest reports whether a new tunnel request for key is admitted.
func (rl *RateLimiter) AllowRequest(key string) bool {
	return rl.allow(rl.globalReq, rl.req, rl.limits.PerKeyReq, key)
}

func (rl *RateLimiter) allow(global *rate.Limiter, per map[string]*keyed, perRate float64, key string) bool {
	now := rl.now()
	if global != nil && !global.AllowN(now, 1) {
		return false
	}
	if perRate <= 0 {
		return true
	}
	rl.mu.Lock()
	k, ok := per[key]
	if !ok {
		k = &keyed{lim: rate.NewLimiter(rate.Limit(perRate), rl.limits.Burst)}
		per[key] = k
	}
	k.lastSeen = now
	rl.mu.Unlock()
	return k.lim.AllowN(now, 1)
}

// CleanupIdle drops per-key buckets not used within maxIdle and returns how
// many were removed.
func (rl *RateLimiter) CleanupIdle(maxIdle time.Duration) int {
	cutoff := rl.now().Add(-maxIdle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	n := 0
	for _, per := range []map[string]*keyed{rl.conn, rl.req} {
		for key, k := range per {
			if k.lastSeen.Before(cutoff) {
				delete(per, key)
				n++
			}
		}
	}
	return n
}

// Keys returns the number of tracked per-key buckets.
func (rl *RateLimiter) Keys() (conn, req int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.conn), len(rl.req)
}
