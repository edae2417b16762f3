package election

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Renew and release must only succeed for the fencing token that acquired
// the lock, so both run as compare-and-act scripts.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    redis.call("PEXPIRE", KEYS[2], ARGV[2])
    return 1
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("DEL", KEYS[2])
    return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLock implements Lock on a single Redis key with a random fencing
// token. A companion hint key records the holder's advertise address so
// followers can redirect leader-gated requests.
type RedisLock struct {
	client *redis.Client
	name   string
	token  string
	hint   string
}

// NewRedisLock creates a lock named name. hint is this replica's advertise
// address, stored for followers while the lock is held.
func NewRedisLock(client *redis.Client, name, hint string) *RedisLock {
	return &RedisLock{
		client: client,
		name:   name,
		token:  uuid.New().String(),
		hint:   hint,
	}
}

func (l *RedisLock) hintKey() string {
	return l.name + ":hint"
}

// Acquire takes the lock with SET NX PX.
func (l *RedisLock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.name, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", l.name, err)
	}
	if ok && l.hint != "" {
		if err := l.client.Set(ctx, l.hintKey(), l.hint, ttl).Err(); err != nil {
			return true, fmt.Errorf("record leader hint: %w", err)
		}
	}
	return ok, nil
}

// Renew extends the lock iff this replica's token still holds it.
func (l *RedisLock) Renew(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, l.client,
		[]string{l.name, l.hintKey()}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", l.name, err)
	}
	return n == 1, nil
}

// Release drops the lock iff this replica's token still holds it.
func (l *RedisLock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client,
		[]string{l.name, l.hintKey()}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.name, err)
	}
	return nil
}

// HolderHint returns the advertise address recorded by the current holder.
func (l *RedisLock) HolderHint(ctx context.Context) (string, error) {
	hint, err := l.client.Get(ctx, l.hintKey()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read leader hint: %w", err)
	}
	return hint, nil
}
