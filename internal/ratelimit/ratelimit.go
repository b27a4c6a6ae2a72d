package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// A warning is worth logging once per this many violations
	WarnEvery = 100
	// Connections that keep flooding past this many violations are dropped
	MaxViolations = 1000
)

// Verdict is the outcome of one Check
type Verdict struct {
	Allowed    bool
	Violations int
	Warn       bool
	Disconnect bool
}

// Limiter is a token bucket that also remembers how often it said no
type Limiter struct {
	limiter    *rate.Limiter
	violations int
	mu         sync.Mutex
}

func NewLimiter(perSecond float64, burst int) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Check consumes a token and counts the refusal when none is left
func (l *Limiter) Check() Verdict {
	if l.limiter.Allow() {
		return Verdict{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.violations++
	return Verdict{
		Violations: l.violations,
		Warn:       l.violations%WarnEvery == 1,
		Disconnect: l.violations > MaxViolations,
	}
}

func (l *Limiter) Violations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.violations
}

// ClientLimiters hands out one limiter per key, typically a remote address
type ClientLimiters struct {
	limiters        map[string]*Limiter
	perSecond       float64
	burst           int
	mu              sync.RWMutex
	cleanupInterval time.Duration
	maxEntries      int
	stop            chan struct{}
	stopOnce        sync.Once
}

func NewClientLimiters(perSecond float64, burst int) *ClientLimiters {
	cl := &ClientLimiters{
		limiters:        make(map[string]*Limiter),
		perSecond:       perSecond,
		burst:           burst,
		cleanupInterval: 5 * time.Minute,
		maxEntries:      10000,
		stop:            make(chan struct{}),
	}
	go cl.cleanup()
	return cl
}

// PerMinute converts a per-minute allowance into the per-second rate limiters take
func PerMinute(n int) float64 {
	return float64(n) / 60
}

func (cl *ClientLimiters) Get(key string) *Limiter {
	cl.mu.RLock()
	limiter, ok := cl.limiters[key]
	cl.mu.RUnlock()

	if ok {
		return limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if limiter, ok := cl.limiters[key]; ok {
		return limiter
	}

	limiter = NewLimiter(cl.perSecond, cl.burst)
	cl.limiters[key] = limiter
	return limiter
}

func (cl *ClientLimiters) Allow(key string) bool {
	return cl.Get(key).Allow()
}

func (cl *ClientLimiters) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	cl.stopOnce.Do(func() { close(cl.stop) })
}

func (cl *ClientLimiters) cleanup() {
	ticker := time.NewTicker(cl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.reset()
		}
	}
}

// A full bucket means the key has been quiet long enough to forget
func (cl *ClientLimiters) reset() {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if len(cl.limiters) > cl.maxEntries {
		cl.limiters = make(map[string]*Limiter)
		return
	}
	for key, l := range cl.limiters {
		if l.limiter.Tokens() >= float64(cl.burst) {
			delete(cl.limiters, key)
		}
	}
}
