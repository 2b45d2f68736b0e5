package lock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker hands out short-lived exclusive leases on Redis keys. A lease is owned
// by the token returned from Acquire and expires on its own after the TTL.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewLocker constructs a locker whose leases last ttl unless released earlier.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Locker{client: client, ttl: ttl}
}

// Acquire tries to take key. ok is false when another holder owns it.
func (l *Locker) Acquire(ctx context.Context, key string) (string, bool, error) {
	return l.AcquireFor(ctx, key, l.ttl)
}

// AcquireFor is Acquire with an explicit lease length.
func (l *Locker) AcquireFor(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release drops key if it is still held by token. It reports whether the lease
// was released; an expired or stolen lease is left alone.
func (l *Locker) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
