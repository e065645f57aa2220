package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTable is the single-node lock table. All acquire/release pairs go
// through one mutex, so two racing acquirers produce exactly one winner.
type MemoryTable struct {
	mu    sync.Mutex
	locks map[uint64]AccountLock
	now   func() time.Time
}

type MemoryOption func(*MemoryTable)

// WithClock sets the function used to judge expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(t *MemoryTable) { t.now = now }
}

func NewMemoryTable(opts ...MemoryOption) *MemoryTable {
	t := &MemoryTable{
		locks: make(map[uint64]AccountLock),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *MemoryTable) TryAcquire(_ context.Context, accountID uint64, operation string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if held, ok := t.locks[accountID]; ok && now.Before(held.ExpiresAt) {
		return "", false, nil
	}
	l := AccountLock{
		AccountID:  accountID,
		Operation:  operation,
		Token:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	t.locks[accountID] = l
	return l.Token, true, nil
}

func (t *MemoryTable) Release(_ context.Context, accountID uint64, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	held, ok := t.locks[accountID]
	if !ok || held.Token != token {
		return ErrNotHeld
	}
	delete(t.locks, accountID)
	return nil
}

// Extend keeps an expired lock too while no other holder replaced it.
func (t *MemoryTable) Extend(_ context.Context, accountID uint64, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	held, ok := t.locks[accountID]
	if !ok || held.Token != token {
		return ErrNotHeld
	}
	if until := t.now().Add(ttl); until.After(held.ExpiresAt) {
		held.ExpiresAt = until
		t.locks[accountID] = held
	}
	return nil
}

func (t *MemoryTable) Sweep(_ context.Context) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	n := 0
	for id, l := range t.locks {
		if !now.Before(l.ExpiresAt) {
			delete(t.locks, id)
			n++
		}
	}
	return n
}

// Holder returns the unexpired lock of an account, if any.
func (t *MemoryTable) Holder(accountID uint64) (AccountLock, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[accountID]
	if !ok || !t.now().Before(l.ExpiresAt) {
		return AccountLock{}, false
	}
	return l, true
}
