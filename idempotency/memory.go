package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	opts    Options
	now     func() time.Time
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		opts:    opts.normalize(),
		now:     time.Now,
	}
}

// WithClock replaces the clock used for expiry; intended for tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// live returns the unexpired record for key. Callers hold s.mu.
func (s *MemoryStore) live(key string) *Record {
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	if !s.now().Before(rec.ExpiresAt) {
		delete(s.records, key)
		return nil
	}
	return rec
}

func (s *MemoryStore) Lookup(_ context.Context, accountID uint64, key string) (*Record, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := classify(s.live(key), accountID)
	if rec == nil || err != nil {
		return nil, err
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Reserve(_ context.Context, accountID uint64, key, fingerprint string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec := s.live(key); rec != nil {
		if rec.AccountID != accountID {
			return ErrKeyConflict
		}
		if rec.Pending {
			return ErrInProgress
		}
		return ErrCompleted
	}
	now := s.now()
	s.records[key] = &Record{
		AccountID:   accountID,
		Key:         key,
		Fingerprint: fingerprint,
		Pending:     true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.InFlightTTL),
	}
	return nil
}

func (s *MemoryStore) Record(_ context.Context, accountID uint64, key, fingerprint string, response json.RawMessage) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec := s.live(key); rec != nil {
		if rec.AccountID != accountID {
			return ErrKeyConflict
		}
		if !rec.Pending {
			return nil
		}
	}
	now := s.now()
	s.records[key] = &Record{
		AccountID:   accountID,
		Key:         key,
		Fingerprint: fingerprint,
		Response:    append(json.RawMessage(nil), response...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.Retention),
	}
	return nil
}

func (s *MemoryStore) Abandon(_ context.Context, accountID uint64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && rec.Pending && rec.AccountID == accountID {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for key, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, key)
			n++
		}
	}
	return n, nil
}
