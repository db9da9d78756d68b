// SPDX-License-Identifier: MIT

// Package ratelimit implements per-(target, IP) fixed-window request
// limiting for the HTTP API.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "fileshare",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total rate limit rejections",
	},
	[]string{"target"},
)

// Rule configures one limit target. A disabled rule always allows.
type Rule struct {
	Enabled     bool          `json:"enabled"`
	MaxRequests int           `json:"maxRequests"`
	Window      time.Duration `json:"-"`
	WindowMs    int64         `json:"windowMs"`
}

// DefaultRules returns the built-in limits per target.
func DefaultRules() map[string]Rule {
	mk := func(max int, window time.Duration) Rule {
		return Rule{Enabled: true, MaxRequests: max, Window: window, WindowMs: window.Milliseconds()}
	}
	return map[string]Rule{
		"upload":   mk(30, time.Minute),
		"download": mk(300, time.Minute),
		"disk":     mk(60, time.Minute),
		"list":     mk(300, time.Minute),
		"status":   mk(120, time.Minute),
		"auth":     mk(20, time.Minute),
		"fileops":  mk(60, time.Minute),
	}
}

type bucket struct {
	count       int
	windowStart time.Time
}

// Limiter tracks fixed-window buckets keyed by (target, client IP).
type Limiter struct {
	mu      sync.Mutex
	rules   map[string]Rule
	buckets map[string]*bucket
	now     func() time.Time
}

// New creates a limiter with the given rules; nil means DefaultRules.
func New(rules map[string]Rule) *Limiter {
	if rules == nil {
		rules = DefaultRules()
	}
	for name, r := range rules {
		if r.Window == 0 && r.WindowMs > 0 {
			r.Window = time.Duration(r.WindowMs) * time.Millisecond
			rules[name] = r
		}
	}
	return &Limiter{
		rules:   rules,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Decision is the outcome of one Check call.
type Decision struct {
	Allowed       bool
	RetryAfterSec int
}

// Check applies the fixed-window law: the first request of a window resets
// the bucket; once MaxRequests is reached the remainder of the window is
// denied with the rounded-up time to the next window.
func (l *Limiter) Check(target, ip string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	rule, ok := l.rules[target]
	if !ok || !rule.Enabled || rule.MaxRequests <= 0 || rule.Window <= 0 {
		return Decision{Allowed: true}
	}

	now := l.now()
	key := target + "|" + ip
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.windowStart) >= rule.Window {
		l.buckets[key] = &bucket{count: 1, windowStart: now}
		return Decision{Allowed: true}
	}
	if b.count >= rule.MaxRequests {
		rateLimitExceeded.WithLabelValues(target).Inc()
		remaining := rule.Window - now.Sub(b.windowStart)
		retry := int((remaining + time.Second - 1) / time.Second)
		if retry < 1 {
			retry = 1
		}
		return Decision{Allowed: false, RetryAfterSec: retry}
	}
	b.count++
	return Decision{Allowed: true}
}

// Prune drops buckets whose window has fully elapsed. Called opportunistically
// by the API layer.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, b := range l.buckets {
		target := key[:strings.IndexByte(key, '|')]
		rule, ok := l.rules[target]
		if !ok || now.Sub(b.windowStart) >= rule.Window {
			delete(l.buckets, key)
		}
	}
}

// GetClientIP extracts the real client IP from the request, preferring
// forwarded headers over the TCP peer address.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := xff
		if idx := strings.IndexByte(xff, ','); idx > 0 {
			first = xff[:idx]
		}
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
