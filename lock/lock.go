// Package lock serializes wallet-affecting operations per account.
//
// A lock is account-scoped, not operation-scoped: a transfer and a savings
// withdrawal on the same account exclude each other. Every lock carries an
// expiry so a crashed holder cannot wedge the account; expiry is advisory and
// does not stop work already in flight.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrBusy is returned by Acquire when the account stayed locked for every attempt.
	ErrBusy = errors.New("lock: account busy")
	// ErrNotHeld is returned by Release when the token no longer owns the lock.
	ErrNotHeld = errors.New("lock: not held")
	// ErrInvalidTTL is returned when a lock is requested without a positive ttl.
	ErrInvalidTTL = errors.New("lock: ttl must be positive")
)

// AccountLock is the single active operation slot of an account.
type AccountLock struct {
	AccountID  uint64
	Operation  string
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Table grants at most one unexpired lock per account.
type Table interface {
	// TryAcquire never blocks; granted is false while another unexpired lock exists.
	TryAcquire(ctx context.Context, accountID uint64, operation string, ttl time.Duration) (token string, granted bool, err error)
	// Release drops the lock only if token still owns it.
	Release(ctx context.Context, accountID uint64, token string) error
	// Extend pushes the expiry of a held lock to at least now+ttl. It never
	// shortens a lock and returns ErrNotHeld once token lost ownership.
	Extend(ctx context.Context, accountID uint64, token string, ttl time.Duration) error
	// Sweep forgets expired locks and returns how many were dropped.
	Sweep(ctx context.Context) int
}

// Policy bounds how long a caller waits for a busy account.
type Policy struct {
	TTL          time.Duration
	MaxAttempts  uint
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		TTL:          30 * time.Second,
		MaxAttempts:  10,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
}

// Lease is a granted account lock.
type Lease struct {
	table     Table
	accountID uint64
	token     string
	ctx       context.Context
}

// Extend keeps the lease for at least ttl from now. Holders call it before
// a step that may outlast the remaining expiry.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return l.table.Extend(ctx, l.accountID, l.token, ttl)
}

// Release gives the lock back. It runs even if the acquiring context was cancelled.
func (l *Lease) Release() {
	_ = l.table.Release(context.WithoutCancel(l.ctx), l.accountID, l.token)
}

// Acquire takes the account lock, retrying with exponential backoff, and
// returns a lease for the caller to release. After MaxAttempts it returns
// ErrBusy; cancellation of ctx stops the wait early.
func Acquire(ctx context.Context, t Table, accountID uint64, operation string, p Policy) (*Lease, error) {
	if p.TTL <= 0 {
		return nil, ErrInvalidTTL
	}
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	if p.InitialDelay > 0 {
		b.InitialInterval = p.InitialDelay
	}
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}

	token, err := backoff.Retry(ctx, func() (string, error) {
		token, granted, err := t.TryAcquire(ctx, accountID, operation, p.TTL)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		if !granted {
			return "", ErrBusy
		}
		return token, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))
	if err != nil {
		if errors.Is(err, ErrBusy) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("lock: acquire account %d: %w", accountID, err)
	}
	return &Lease{table: t, accountID: accountID, token: token, ctx: ctx}, nil
}
