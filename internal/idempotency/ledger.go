package idempotency

import (
	"context"
	"time"
)

type ClaimResult int

const (
	// Claimed means the caller owns the event and must Complete or Release it.
	Claimed ClaimResult = iota
	// Duplicate means the event was already applied.
	Duplicate
	// InFlight means another worker holds the claim.
	InFlight
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case Duplicate:
		return "duplicate"
	case InFlight:
		return "in_flight"
	}
	return "unknown"
}

// Ledger records which provider events have been applied.
type Ledger interface {
	Claim(ctx context.Context, key string) (ClaimResult, error)
	Complete(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

// DefaultClaimTTL bounds how long a crashed worker can hold a claim.
const DefaultClaimTTL = 2 * time.Minute
