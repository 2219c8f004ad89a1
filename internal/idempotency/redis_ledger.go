package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statePending = "pending"
	stateDone    = "done"
)

// RedisLedger stores one key per event. A pending claim expires after
// claimTTL; a completed one is kept for ttl so replays inside that window
// are recognised.
type RedisLedger struct {
	rdb      *redis.Client
	ttl      time.Duration
	claimTTL time.Duration
}

func NewRedisLedger(rdb *redis.Client, ttl time.Duration) *RedisLedger {
	return &RedisLedger{rdb: rdb, ttl: ttl, claimTTL: DefaultClaimTTL}
}

func (l *RedisLedger) Claim(ctx context.Context, key string) (ClaimResult, error) {
	ok, err := l.rdb.SetNX(ctx, key, statePending, l.claimTTL).Result()
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", key, err)
	}
	if ok {
		return Claimed, nil
	}

	state, err := l.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		return l.Claim(ctx, key)
	}
	if err != nil {
		return 0, fmt.Errorf("read claim %s: %w", key, err)
	}
	if state == stateDone {
		return Duplicate, nil
	}
	return InFlight, nil
}

func (l *RedisLedger) Complete(ctx context.Context, key string) error {
	if err := l.rdb.Set(ctx, key, stateDone, l.ttl).Err(); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
