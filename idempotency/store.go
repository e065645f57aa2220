// Package idempotency remembers the outcome of a submitted transfer under the
// client-supplied key so a retried request replays the recorded response
// instead of moving funds twice.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrKeyConflict means the key is held by a different account.
	ErrKeyConflict = errors.New("idempotency: key belongs to another account")
	// ErrInProgress means a request with the same key has been reserved and not yet recorded.
	ErrInProgress = errors.New("idempotency: request with this key is in progress")
	// ErrCompleted is returned by Reserve when a completed record already exists.
	ErrCompleted = errors.New("idempotency: request with this key already completed")
	// ErrEmptyKey rejects blank keys.
	ErrEmptyKey = errors.New("idempotency: empty key")
)

// Record is a stored outcome. Pending records are reservations held while the
// first request is executing; they carry no response.
type Record struct {
	AccountID uint64 `json:"account_id"`
	Key       string `json:"key"`
	// Fingerprint identifies the request payload the key was first used with.
	Fingerprint string          `json:"fingerprint,omitempty"`
	Response    json.RawMessage `json:"response,omitempty"`
	Pending     bool            `json:"pending"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// Store is the IdempotencyStore. Keys are global; every record is owned by one account.
type Store interface {
	// Lookup returns the completed record, nil on a miss, ErrKeyConflict when
	// another account owns the key and ErrInProgress for a live reservation.
	Lookup(ctx context.Context, accountID uint64, key string) (*Record, error)
	// Reserve places an in-flight marker for the key.
	Reserve(ctx context.Context, accountID uint64, key, fingerprint string) error
	// Record stores the final response. A completed record is never overwritten.
	Record(ctx context.Context, accountID uint64, key, fingerprint string, response json.RawMessage) error
	// Abandon drops a reservation so the key can be retried.
	Abandon(ctx context.Context, accountID uint64, key string) error
	// Sweep purges expired records.
	Sweep(ctx context.Context) (int, error)
}

type Options struct {
	Retention   time.Duration
	InFlightTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		Retention:   24 * time.Hour,
		InFlightTTL: 10 * time.Minute,
	}
}

func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.Retention <= 0 {
		o.Retention = d.Retention
	}
	if o.InFlightTTL <= 0 {
		o.InFlightTTL = d.InFlightTTL
	}
	return o
}

// classify applies the ownership and reservation rules shared by both stores.
func classify(rec *Record, accountID uint64) (*Record, error) {
	if rec == nil {
		return nil, nil
	}
	if rec.AccountID != accountID {
		return nil, ErrKeyConflict
	}
	if rec.Pending {
		return nil, ErrInProgress
	}
	return rec, nil
}
