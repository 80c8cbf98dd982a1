package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock key only when this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only when this instance still owns the lock.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock is the single-instance batch lock on Redis (SET NX PX with a
// per-instance token so one holder cannot release another's lock).
type RedisLock struct {
	client *redis.Client
	key    string
	token  string
}

// NewRedisLock builds a lock on the given key.
func NewRedisLock(r *Redis, key string) *RedisLock {
	return &RedisLock{client: r.client, key: key, token: uuid.NewString()}
}

// Acquire attempts to take the lock for ttl. Returns false when another
// holder has it.
func (l *RedisLock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", l.key, err)
	}
	return ok, nil
}

// Renew extends the TTL if this instance still holds the lock.
func (l *RedisLock) Renew(ctx context.Context, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock %q: %w", l.key, err)
	}
	return res == 1, nil
}

// Release drops the lock if this instance holds it.
func (l *RedisLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %q: %w", l.key, err)
	}
	return nil
}

// Held reports whether any instance currently holds the lock.
func (l *RedisLock) Held(ctx context.Context) (bool, error) {
	n, err := l.client.Exists(ctx, l.key).Result()
	if err != nil {
		return false, fmt.Errorf("check lock %q: %w", l.key, err)
	}
	return n > 0, nil
}

// MemoryLock is an in-process lock with TTL semantics for development and
// tests. All MemoryLock instances built from the same Registry share state.
type MemoryLock struct {
	registry *LockRegistry
	key      string
	token    string
}

// LockRegistry holds shared state for in-memory locks.
type LockRegistry struct {
	mu    sync.Mutex
	locks map[string]memoryLockState
}

type memoryLockState struct {
	token   string
	expires time.Time
}

// NewLockRegistry constructs an empty registry.
func NewLockRegistry() *LockRegistry {
	return &LockRegistry{locks: map[string]memoryLockState{}}
}

// NewLock builds a lock instance for key.
func (r *LockRegistry) NewLock(key string) *MemoryLock {
	return &MemoryLock{registry: r, key: key, token: uuid.NewString()}
}

// Acquire takes the lock when free or expired.
func (l *MemoryLock) Acquire(_ context.Context, ttl time.Duration) (bool, error) {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.locks[l.key]
	if ok && time.Now().Before(state.expires) && state.token != l.token {
		return false, nil
	}
	r.locks[l.key] = memoryLockState{token: l.token, expires: time.Now().Add(ttl)}
	return true, nil
}

// Renew extends the TTL when this instance holds the lock.
func (l *MemoryLock) Renew(_ context.Context, ttl time.Duration) (bool, error) {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.locks[l.key]
	if !ok || state.token != l.token || time.Now().After(state.expires) {
		return false, nil
	}
	r.locks[l.key] = memoryLockState{token: l.token, expires: time.Now().Add(ttl)}
	return true, nil
}

// Release drops the lock when this instance holds it.
func (l *MemoryLock) Release(_ context.Context) error {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.locks[l.key]; ok && state.token == l.token {
		delete(r.locks, l.key)
	}
	return nil
}

// Held reports whether any unexpired holder exists.
func (l *MemoryLock) Held(_ context.Context) (bool, error) {
	r := l.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.locks[l.key]
	if !ok {
		return false, nil
	}
	if time.Now().After(state.expires) {
		delete(r.locks, l.key)
		return false, nil
	}
	return true, nil
}
