package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "vault:idem:"

// RedisStore keeps records in redis and relies on key TTLs for retention.
type RedisStore struct {
	client redis.UniversalClient
	opts   Options
}

func NewRedisStore(client redis.UniversalClient, opts Options) *RedisStore {
	return &RedisStore{client: client, opts: opts.normalize()}
}

func (s *RedisStore) key(key string) string {
	return redisKeyPrefix + key
}

func (s *RedisStore) get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get %s: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("idempotency: decode %s: %w", key, err)
	}
	return &rec, nil
}

func (s *RedisStore) Lookup(ctx context.Context, accountID uint64, key string) (*Record, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	rec, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	return classify(rec, accountID)
}

func (s *RedisStore) Reserve(ctx context.Context, accountID uint64, key, fingerprint string) error {
	if key == "" {
		return ErrEmptyKey
	}
	now := time.Now()
	payload, err := json.Marshal(Record{
		AccountID:   accountID,
		Key:         key,
		Fingerprint: fingerprint,
		Pending:     true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.InFlightTTL),
	})
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, s.key(key), payload, s.opts.InFlightTTL).Result()
	if err != nil {
		return fmt.Errorf("idempotency: reserve %s: %w", key, err)
	}
	if ok {
		return nil
	}

	rec, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	switch {
	case rec == nil:
		// expired between SETNX and GET
		return ErrInProgress
	case rec.AccountID != accountID:
		return ErrKeyConflict
	case rec.Pending:
		return ErrInProgress
	default:
		return ErrCompleted
	}
}

func (s *RedisStore) Record(ctx context.Context, accountID uint64, key, fingerprint string, response json.RawMessage) error {
	if key == "" {
		return ErrEmptyKey
	}
	existing, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.AccountID != accountID {
			return ErrKeyConflict
		}
		if !existing.Pending {
			return nil
		}
	}

	now := time.Now()
	payload, err := json.Marshal(Record{
		AccountID:   accountID,
		Key:         key,
		Fingerprint: fingerprint,
		Response:    response,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.opts.Retention),
	})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(key), payload, s.opts.Retention).Err(); err != nil {
		return fmt.Errorf("idempotency: record %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Abandon(ctx context.Context, accountID uint64, key string) error {
	rec, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if rec == nil || !rec.Pending || rec.AccountID != accountID {
		return nil
	}
	return s.client.Del(ctx, s.key(key)).Err()
}

// Sweep is a no-op: redis expires keys itself.
func (s *RedisStore) Sweep(context.Context) (int, error) {
	return 0, nil
}
