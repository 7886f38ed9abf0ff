package link

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"scriptcustody/internal/fault"
)

// RedisLocker serializes redemptions per token across API instances
// using SET NX with a short TTL.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker wraps a redis client.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// TryLock acquires the per-token lock. The release func only deletes the
// lock if this caller still owns it.
func (l *RedisLocker) TryLock(ctx context.Context, token string) (func(), bool, error) {
	key := "link:redeem:" + token
	owner := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return nil, false, fault.Wrap(fault.Transient, fault.CodeUnavailable, err, "lock service unavailable")
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// Ownership check avoids deleting a successor's lock after TTL
		// expiry.
		const script = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`
		_ = l.client.Eval(context.Background(), script, []string{key}, owner).Err()
	}
	return release, true, nil
}
