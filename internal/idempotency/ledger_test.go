package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/unclebandit/rcs-campaign-pipeline/internal/model"
)

func newRedisLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisLedger(rdb, time.Hour), mr
}

func TestRedisLedger_ClaimCompleteDuplicate(t *testing.T) {
	t.Parallel()

	ledger, mr := newRedisLedger(t)
	ctx := context.Background()

	got, err := ledger.Claim(ctx, "webhook:gupshup:evt-1")
	if err != nil || got != Claimed {
		t.Fatalf("first claim: expected claimed, got %v (%v)", got, err)
	}

	got, err = ledger.Claim(ctx, "webhook:gupshup:evt-1")
	if err != nil || got != InFlight {
		t.Fatalf("second claim: expected in_flight, got %v (%v)", got, err)
	}

	if err := ledger.Complete(ctx, "webhook:gupshup:evt-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ttl := mr.TTL("webhook:gupshup:evt-1"); ttl != time.Hour {
		t.Errorf("expected completed ttl of 1h, got %v", ttl)
	}

	got, err = ledger.Claim(ctx, "webhook:gupshup:evt-1")
	if err != nil || got != Duplicate {
		t.Fatalf("replay: expected duplicate, got %v (%v)", got, err)
	}
}

func TestRedisLedger_ReleaseAllowsReclaim(t *testing.T) {
	t.Parallel()

	ledger, mr := newRedisLedger(t)
	ctx := context.Background()

	if _, err := ledger.Claim(ctx, "k"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := ledger.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("k") {
		t.Fatal("expected key to be deleted")
	}
	if got, _ := ledger.Claim(ctx, "k"); got != Claimed {
		t.Fatalf("expected reclaim, got %v", got)
	}
}

func TestRedisLedger_StaleClaimExpires(t *testing.T) {
	t.Parallel()

	ledger, mr := newRedisLedger(t)
	ctx := context.Background()

	if _, err := ledger.Claim(ctx, "k"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	mr.FastForward(DefaultClaimTTL + time.Second)

	if got, _ := ledger.Claim(ctx, "k"); got != Claimed {
		t.Fatalf("expected expired claim to be reclaimable, got %v", got)
	}
}

func TestRedisLedger_ContextCanceled(t *testing.T) {
	t.Parallel()

	ledger, _ := newRedisLedger(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ledger.Claim(ctx, "k"); err == nil {
		t.Fatal("expected error due to canceled context")
	}
}

func TestMemoryLedger(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	if got, _ := ledger.Claim(ctx, "k"); got != Claimed {
		t.Fatalf("expected claimed, got %v", got)
	}
	if got, _ := ledger.Claim(ctx, "k"); got != InFlight {
		t.Fatalf("expected in_flight, got %v", got)
	}
	_ = ledger.Complete(ctx, "k")
	if got, _ := ledger.Claim(ctx, "k"); got != Duplicate {
		t.Fatalf("expected duplicate, got %v", got)
	}
}

func TestDeriveKey(t *testing.T) {
	ts := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ev := model.WebhookEvent{Provider: "gupshup", EventID: "evt-9", ExternalID: "ext-1", Type: model.EventDelivered, Timestamp: ts}

	key, src := DeriveKey(ev)
	if key != "webhook:gupshup:evt-9" || src != KeyFromEventID {
		t.Errorf("unexpected key %q (%s)", key, src)
	}

	ev.EventID = ""
	k1, src := DeriveKey(ev)
	k2, _ := DeriveKey(ev)
	if src != KeyFromComposite || k1 != k2 {
		t.Errorf("composite key must be stable: %q vs %q", k1, k2)
	}

	ev.Type = model.EventRead
	if k3, _ := DeriveKey(ev); k3 == k1 {
		t.Error("different event types must not share a key")
	}
}
