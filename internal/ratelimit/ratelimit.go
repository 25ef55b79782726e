package ratelimit

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	ratelib "golang.org/x/time/rate"
)

// DefaultMaxBuckets bounds the number of route keys a Limiter tracks.
const DefaultMaxBuckets = 10000

// Limiter keeps one token bucket per route key. The least recently used
// bucket is dropped once the limit is reached.
type Limiter struct {
	mu      sync.Mutex
	buckets *lru.Cache[string, *ratelib.Limiter]
}

// Config is a token bucket setting. A zero RequestsPerSecond disables limiting.
type Config struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// Enabled reports whether c limits anything.
func (c Config) Enabled() bool { return c.RequestsPerSecond > 0 }

func NewLimiter() *Limiter {
	return NewLimiterSize(DefaultMaxBuckets)
}

// NewLimiterSize returns a limiter tracking at most size keys
// (DefaultMaxBuckets when size <= 0).
func NewLimiterSize(size int) *Limiter {
	if size <= 0 {
		size = DefaultMaxBuckets
	}
	c, err := lru.New[string, *ratelib.Limiter](size)
	if err != nil {
		panic(err)
	}
	return &Limiter{buckets: c}
}

// Allow consumes a token for key. Config changes (e.g. after a reload)
// are applied to the existing bucket in place.
func (l *Limiter) Allow(key string, cfg Config) bool {
	if !cfg.Enabled() {
		return true
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	l.mu.Lock()
	lim, ok := l.buckets.Get(key)
	if !ok {
		lim = ratelib.NewLimiter(ratelib.Limit(cfg.RequestsPerSecond), burst)
		l.buckets.Add(key, lim)
	}
	l.mu.Unlock()

	if lim.Limit() != ratelib.Limit(cfg.RequestsPerSecond) {
		lim.SetLimit(ratelib.Limit(cfg.RequestsPerSecond))
	}
	if lim.Burst() != burst {
		lim.SetBurst(burst)
	}
	return lim.Allow()
}

// Forget drops the bucket for key, e.g. when its route is unregistered.
func (l *Limiter) Forget(key string) {
	l.buckets.Remove(key)
}

// ForgetPrefix drops every bucket whose key starts with prefix and
// returns how many were dropped.
func (l *Limiter) ForgetPrefix(prefix string) int {
	n := 0
	for _, k := range l.buckets.Keys() {
		if strings.HasPrefix(k, prefix) && l.buckets.Remove(k) {
			n++
		}
	}
	return n
}

func (l *Limiter) Len() int {
	return l.buckets.Len()
}
