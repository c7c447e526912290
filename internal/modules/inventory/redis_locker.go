// README: Distributed per-route lock backed by Redis SET NX PX with token-checked release.
package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"carpool/internal/types"
)

const (
	defaultLockPrefix = "carpool:route:lock:"
	defaultLockTTL    = 10 * time.Second
	defaultRetryEvery = 15 * time.Millisecond
)

// releaseScript deletes the key only while it still carries our token, so a
// holder whose TTL lapsed cannot free somebody else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker builds a Locker shared by every API instance. ttl bounds how
// long a crashed holder can block a route.
func NewRedisLocker(client redis.Cmdable, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: client, prefix: defaultLockPrefix, ttl: ttl, retry: defaultRetryEvery}
}

func (l *RedisLocker) Acquire(ctx context.Context, key types.ID) (func(), error) {
	k := l.prefix + string(key)
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
			}
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					// The caller's ctx may already be done; release on a short detached one.
					rctx, cancel := context.WithTimeout(context.Background(), time.Second)
					defer cancel()
					_ = releaseScript.Run(rctx, l.client, []string{k}, token).Err()
				})
			}, nil
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrLockTimeout, ctx.Err())
		case <-timer.C:
		}
	}
}
