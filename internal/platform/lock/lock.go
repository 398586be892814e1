// Package lock provides named, TTL-bounded distributed exclusion with
// token-based safe release.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrAcquisitionFailed means another holder has the key; the caller must
// not proceed.
var ErrAcquisitionFailed = errors.New("lock acquisition failed")

// Locker is the distributed lock contract.
type Locker interface {
	// Acquire performs an atomic set-if-absent with expiry and returns the
	// release token, or ErrAcquisitionFailed.
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Release deletes the key only when the token matches. It reports
	// whether this call released the lock.
	Release(ctx context.Context, key, token string) (bool, error)
	// Held reports whether any holder currently owns the key.
	Held(ctx context.Context, key string) (bool, error)
}

// WithLock acquires, runs fn, and releases on every exit path.
func WithLock(ctx context.Context, l Locker, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := l.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = l.Release(releaseCtx, key, token)
	}()
	return fn(ctx)
}

// releaseScript deletes the key only if it still holds our token.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisLocker implements Locker on Redis SET NX PX.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker creates a redis-backed locker.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) key(key string) string {
	if l.prefix == "" {
		return "lock:" + key
	}
	return l.prefix + ":lock:" + key
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", ErrAcquisitionFailed
	}
	return token, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := l.client.Eval(ctx, releaseScript, []string{l.key(key)}, token).Result()
	if err != nil {
		return false, fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (l *RedisLocker) Held(ctx context.Context, key string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check lock %s: %w", key, err)
	}
	return n > 0, nil
}

// MemoryLocker implements Locker in process. Used in tests and
// single-node development runs.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memoryLock
}

type memoryLock struct {
	token   string
	expires time.Time
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memoryLock)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.locks[key]; ok && time.Now().Before(existing.expires) {
		return "", ErrAcquisitionFailed
	}
	token := uuid.New().String()
	l.locks[key] = memoryLock{token: token, expires: time.Now().Add(ttl)}
	return token, nil
}

func (l *MemoryLocker) Release(ctx context.Context, key, token string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.locks[key]
	if !ok || existing.token != token {
		return false, nil
	}
	delete(l.locks, key)
	return true, nil
}

func (l *MemoryLocker) Held(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	existing, ok := l.locks[key]
	return ok && time.Now().Before(existing.expires), nil
}
