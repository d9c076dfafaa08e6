package webapi

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/marcuscabrera/simple-webmail-imap/pkg/metrics"
)

// loginLimiter throttles login attempts with one token bucket per client IP
// and one per username.
type loginLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func newLoginLimiter(perSecond float64, burst int) *loginLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &loginLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *loginLimiter) enabled() bool {
	return l != nil && l.limit > 0
}

// allow takes one token for ip and one for username. When either bucket is
// empty it returns false and how long to wait before trying again.
func (l *loginLimiter) allow(ip, username string) (bool, time.Duration) {
	if !l.enabled() {
		return true, 0
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	ipBucket := l.bucket("ip:"+ip, now)
	if !ipBucket.lim.AllowN(now, 1) {
		metrics.LoginRateLimited.WithLabelValues("ip").Inc()
		return false, l.wait(ipBucket, now)
	}
	userBucket := l.bucket("user:"+strings.ToLower(username), now)
	if !userBucket.lim.AllowN(now, 1) {
		metrics.LoginRateLimited.WithLabelValues("username").Inc()
		return false, l.wait(userBucket, now)
	}
	return true, 0
}

// bucket returns the bucket for key, creating it full. Callers hold l.mu.
func (l *loginLimiter) bucket(key string, now time.Time) *bucket {
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b
}

func (l *loginLimiter) wait(b *bucket, now time.Time) time.Duration {
	missing := 1 - b.lim.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing / float64(l.limit) * float64(time.Second)))
}

// prune drops buckets unused for longer than it takes them to refill.
func (l *loginLimiter) prune() int {
	if !l.enabled() {
		return 0
	}
	idle := time.Duration(float64(l.burst) / float64(l.limit) * float64(time.Second))
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > idle {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

func (l *loginLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// run prunes every interval until ctx ends.
func (l *loginLimiter) run(ctx context.Context, interval time.Duration) {
	if !l.enabled() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune()
		}
	}
}
