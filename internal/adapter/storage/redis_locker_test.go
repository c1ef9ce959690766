package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRedisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisLocker_ExcludesSecondHolder(t *testing.T) {
	client := getRedisClient(t)
	locker := NewRedisLocker(client, 5*time.Second)
	key := "item-" + uuid.NewString()

	unlock, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, key)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	unlock, err = locker.Lock(context.Background(), key)
	require.NoError(t, err)
	unlock()

	exists, err := client.Exists(context.Background(), lockKeyPrefix+key).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRedisLocker_ExpiredLockIsReported(t *testing.T) {
	client := getRedisClient(t)
	locker := NewRedisLocker(client, 30*time.Millisecond)
	key := "item-" + uuid.NewString()

	var (
		mu   sync.Mutex
		lost []string
	)
	locker.OnLost(func(k string, err error) {
		mu.Lock()
		defer mu.Unlock()
		assert.ErrorIs(t, err, ErrLockLost)
		lost = append(lost, k)
	})

	unlock, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)

	// Another replica takes over once the TTL lapses.
	time.Sleep(60 * time.Millisecond)
	takeover, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)

	unlock()
	mu.Lock()
	assert.Equal(t, []string{lockKeyPrefix + key}, lost)
	mu.Unlock()

	exists, err := client.Exists(context.Background(), lockKeyPrefix+key).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, exists, "stale release must not delete the new holder's lock")

	takeover()
}
