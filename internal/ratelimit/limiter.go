package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type Config struct {
	RequestsPerSecond float64
	BurstSize         int
}

// Limiter keeps one token bucket per (tenant, provider) pair. Buckets are
// shared by every dispatcher worker in the process.
type Limiter struct {
	cfg     Config
	buckets map[string]*rate.Limiter
	mu      sync.Mutex
	now     func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.BurstSize < 1 {
		cfg.BurstSize = 1
	}
	return &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*rate.Limiter),
		now:     time.Now,
	}
}

func bucketKey(tenantID uuid.UUID, provider string) string {
	return fmt.Sprintf("%s:%s", tenantID, provider)
}

func (l *Limiter) bucket(tenantID uuid.UUID, provider string) *rate.Limiter {
	key := bucketKey(tenantID, provider)

	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)
	l.buckets[key] = b
	return b
}

// Allow takes one token without blocking. When no token is available it
// returns false and how long until one should be.
func (l *Limiter) Allow(tenantID uuid.UUID, provider string) (bool, time.Duration) {
	b := l.bucket(tenantID, provider)
	now := l.now()
	if b.AllowN(now, 1) {
		return true, 0
	}

	r := b.ReserveN(now, 1)
	if !r.OK() {
		// Zero rate: the bucket never refills.
		return false, time.Second
	}
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}
