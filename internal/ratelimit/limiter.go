// Package ratelimit throttles admin API traffic per organization. Organizations
// with an active subscription get the paid tier.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the rate limiting configuration.
type Config struct {
	FreeRPS         float64       // Requests per second without a subscription
	FreeBurst       int           // Burst size without a subscription
	PaidRPS         float64       // Requests per second with an active subscription
	PaidBurst       int           // Burst size with an active subscription
	CleanupInterval time.Duration // How long a limiter may sit idle before removal
}

// DefaultConfig provides the defaults used when nothing is configured.
var DefaultConfig = Config{
	FreeRPS:         5,
	FreeBurst:       10,
	PaidRPS:         50,
	PaidBurst:       100,
	CleanupInterval: time.Hour,
}

type entry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
	paid     bool
}

// Limiter holds one token bucket per organization.
type Limiter struct {
	mu       sync.Mutex
	limiters map[int64]*entry
	config   Config
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a limiter and starts its background cleanup loop.
func New(config Config) *Limiter {
	l := &Limiter{
		limiters: make(map[int64]*entry),
		config:   config,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		l.wg.Add(1)
		go l.cleanupLoop()
	}
	return l
}

// Allow reports whether one request for orgID may proceed now.
func (l *Limiter) Allow(orgID int64, paid bool) bool {
	return l.limiterFor(orgID, paid).AllowN(l.now(), 1)
}

// limiterFor returns the bucket for orgID, replacing it when the tier changed.
func (l *Limiter) limiterFor(orgID int64, paid bool) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.limiters[orgID]; ok && e.paid == paid {
		e.lastUsed = now
		return e.limiter
	}

	rps, burst := l.config.FreeRPS, l.config.FreeBurst
	if paid {
		rps, burst = l.config.PaidRPS, l.config.PaidBurst
	}
	lim := rate.NewLimiter(rate.Limit(rps), burst)
	l.limiters[orgID] = &entry{limiter: lim, lastUsed: now, paid: paid}
	return lim
}

// Cleanup drops limiters idle for longer than CleanupInterval.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.config.CleanupInterval)
	for id, e := range l.limiters {
		if e.lastUsed.Before(cutoff) {
			delete(l.limiters, id)
		}
	}
}

func (l *Limiter) cleanupLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// Stop ends the cleanup loop. Safe to call more than once.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

// Len returns the number of tracked organizations.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
