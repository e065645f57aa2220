package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "vault:lock:account:"

// extendScript pushes the expiry out only while ARGV[1] still owns the key
// and never shortens it.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if redis.call("PTTL", KEYS[1]) < tonumber(ARGV[2]) then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 1
`)

type heldLock struct {
	mutex *redsync.Mutex
	until time.Time
}

// RedisTable shares account locks between nodes through redis (RedLock via redsync).
// The redsync mutex of every granted lock is kept locally so the same node can release it.
type RedisTable struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
	logger *zap.Logger

	mu   sync.Mutex
	held map[string]*heldLock
}

func NewRedisTable(client redis.UniversalClient, logger *zap.Logger) *RedisTable {
	return &RedisTable{
		client: client,
		rs:     redsync.New(goredis.NewPool(client)),
		logger: logger.Named("lock-table"),
		held:   make(map[string]*heldLock),
	}
}

func (r *RedisTable) key(accountID uint64) string {
	return fmt.Sprintf("%s%d", redisKeyPrefix, accountID)
}

func (r *RedisTable) TryAcquire(ctx context.Context, accountID uint64, operation string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, ErrInvalidTTL
	}
	key := r.key(accountID)
	m := r.rs.NewMutex(key, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := m.TryLockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		if errors.Is(err, redsync.ErrFailed) {
			return "", false, nil
		}
		n, existsErr := r.client.Exists(ctx, key).Result()
		if existsErr == nil && n > 0 {
			return "", false, nil
		}
		return "", false, fmt.Errorf("lock: acquire %s: %w", key, err)
	}

	token := m.Value()
	r.mu.Lock()
	r.held[token] = &heldLock{mutex: m, until: m.Until()}
	r.mu.Unlock()

	r.logger.Debug("lock acquired",
		zap.Uint64("account_id", accountID),
		zap.String("operation", operation),
		zap.Duration("ttl", ttl))
	return token, true, nil
}

func (r *RedisTable) Release(ctx context.Context, accountID uint64, token string) error {
	r.mu.Lock()
	h, ok := r.held[token]
	delete(r.held, token)
	r.mu.Unlock()
	if !ok {
		return ErrNotHeld
	}

	released, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		if errors.Is(err, redsync.ErrLockAlreadyExpired) {
			r.logger.Warn("lock expired before release", zap.Uint64("account_id", accountID))
			return ErrNotHeld
		}
		r.logger.Error("failed to release lock", zap.Uint64("account_id", accountID), zap.Error(err))
		return fmt.Errorf("lock: release account %d: %w", accountID, err)
	}
	if !released {
		r.logger.Warn("lock was not held or already expired", zap.Uint64("account_id", accountID))
		return ErrNotHeld
	}
	return nil
}

func (r *RedisTable) Extend(ctx context.Context, accountID uint64, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	r.mu.Lock()
	h, ok := r.held[token]
	r.mu.Unlock()
	if !ok {
		return ErrNotHeld
	}

	owned, err := extendScript.Run(ctx, r.client, []string{r.key(accountID)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lock: extend account %d: %w", accountID, err)
	}
	if owned == 0 {
		r.logger.Warn("lock lost before extend", zap.Uint64("account_id", accountID))
		return ErrNotHeld
	}

	r.mu.Lock()
	if until := time.Now().Add(ttl); until.After(h.until) {
		h.until = until
	}
	r.mu.Unlock()
	return nil
}

// Sweep drops local handles of locks that redis has already expired.
func (r *RedisTable) Sweep(_ context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	n := 0
	for token, h := range r.held {
		if !now.Before(h.until) {
			delete(r.held, token)
			n++
		}
	}
	return n
}
