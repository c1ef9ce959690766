package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockKeyPrefix    = "stock-ledger:lock:"
	lockPollInterval = 10 * time.Millisecond
)

var ErrLockLost = errors.New("item lock expired before release")

// releaseLockScript deletes the key only while it still holds our token, so
// a holder whose TTL expired cannot release a lock someone else now owns.
var releaseLockScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]

if redis.call('GET', key) == token then
	return redis.call('DEL', key)
end

return 0
`)

// RedisLocker is an ItemLocker shared by every replica that talks to the same
// Redis. The TTL bounds how long a crashed holder can block an item.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	onLost func(key string, err error)
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

// OnLost registers a callback for releases that find the lock already gone.
func (r *RedisLocker) OnLost(fn func(key string, err error)) {
	r.onLost = fn
}

func (r *RedisLocker) Lock(ctx context.Context, itemID string) (func(), error) {
	key := lockKeyPrefix + itemID
	token := uuid.NewString()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if ok {
			return func() { r.release(key, token) }, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	released, err := releaseLockScript.Run(ctx, r.client, []string{key}, token).Int()
	if r.onLost == nil {
		return
	}
	if err != nil {
		r.onLost(key, err)
	} else if released == 0 {
		r.onLost(key, ErrLockLost)
	}
}
