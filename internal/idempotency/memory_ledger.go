package idempotency

import (
	"context"
	"sync"
)

// MemoryLedger is a process-local Ledger for tests and single-node runs.
type MemoryLedger struct {
	mu     sync.Mutex
	states map[string]string
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{states: make(map[string]string)}
}

func (l *MemoryLedger) Claim(_ context.Context, key string) (ClaimResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.states[key] {
	case stateDone:
		return Duplicate, nil
	case statePending:
		return InFlight, nil
	}
	l.states[key] = statePending
	return Claimed, nil
}

func (l *MemoryLedger) Complete(_ context.Context, key string) error {
	l.mu.Lock()
	l.states[key] = stateDone
	l.mu.Unlock()
	return nil
}

func (l *MemoryLedger) Release(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.states, key)
	l.mu.Unlock()
	return nil
}
