package proxy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextcloud/app-api-sub001/pkg/log"
)

// Throttle defaults: ten failed attempts, then one more every 30 seconds
const (
	DefaultThrottleBurst    = 10
	DefaultThrottleInterval = 30 * time.Second
)

// Throttler tracks failed attempts per client IP on routes with
// bruteforce_protection. Each attempt spends a token; a client without
// tokens left is refused until the bucket refills.
type Throttler struct {
	mu       sync.Mutex
	limiters map[string]*throttleEntry
	limit    rate.Limit
	burst    int
}

type throttleEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewThrottler creates a throttler allowing burst attempts, refilled one per interval
func NewThrottler(burst int, interval time.Duration) *Throttler {
	if burst <= 0 {
		burst = DefaultThrottleBurst
	}
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Throttler{
		limiters: make(map[string]*throttleEntry),
		limit:    rate.Every(interval),
		burst:    burst,
	}
}

// Blocked reports whether ip used up its attempts
func (t *Throttler) Blocked(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.limiters[ip]
	if !ok {
		return false
	}
	return entry.limiter.Tokens() < 1
}

// RegisterAttempt records a failed attempt from ip
func (t *Throttler) RegisterAttempt(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.limiters[ip]
	if !ok {
		entry = &throttleEntry{limiter: rate.NewLimiter(t.limit, t.burst)}
		t.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	if !entry.limiter.Allow() {
		log.Warnf("Bruteforce throttle engaged for %s", ip)
	}
}

// Reset forgets the attempts of ip after a successful request
func (t *Throttler) Reset(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.limiters, ip)
}

// Cleanup drops entries not seen for longer than idle
func (t *Throttler) Cleanup(idle time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-idle)
	for ip, entry := range t.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(t.limiters, ip)
		}
	}
}

// StartCleanupJob runs Cleanup hourly until stop is closed
func (t *Throttler) StartCleanupJob(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Cleanup(time.Hour)
			case <-stop:
				return
			}
		}
	}()
}
