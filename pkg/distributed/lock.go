// Package distributed holds coordination primitives shared by relay
// instances that point at the same Redis.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotAcquired = errors.New("lock held by another instance")
	ErrNotHeld     = errors.New("lock not held by this instance")
)

const retryInterval = 100 * time.Millisecond

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is a single-holder Redis lock. The TTL bounds how long a crashed
// holder can block the others; it is not renewed.
type Lock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewLock creates a lock on key with a random owner token.
func NewLock(client *redis.Client, key string, ttl time.Duration) *Lock {
	return &Lock{
		client: client,
		key:    key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}
}

// TryAcquire takes the lock if it is free.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	return ok, nil
}

// Acquire polls until the lock is taken or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrNotAcquired, l.key, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// Release frees the lock only if this owner still holds it.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// WithLock runs fn while holding key.
func WithLock(ctx context.Context, client *redis.Client, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock := NewLock(client, key, ttl)
	if err := lock.Acquire(ctx); err != nil {
		return err
	}
	fnErr := fn(ctx)
	// Release on a fresh context so an expired ctx still frees the key.
	releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return errors.Join(fnErr, lock.Release(releaseCtx))
}
