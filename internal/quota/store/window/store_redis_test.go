package window

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client), mr
}

func TestRedisStore_Allow(t *testing.T) {
	ctx := context.Background()

	t.Run("admits up to the limit", func(t *testing.T) {
		store, _ := setupStore(t)
		key := Key("alice")
		for i := 0; i < 3; i++ {
			ok, err := store.Allow(ctx, key, 3, time.Minute)
			require.NoError(t, err)
			assert.True(t, ok, "request %d should be admitted", i+1)
		}

		ok, err := store.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, ok, "fourth request must be denied")
	})

	t.Run("window slides as time passes", func(t *testing.T) {
		now := time.Now()
		clock := func() time.Time { return now }
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		store := NewRedis(client, WithClock(clock))

		key := Key("bob")
		for i := 0; i < 2; i++ {
			ok, err := store.Allow(ctx, key, 2, time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
		}
		ok, err := store.Allow(ctx, key, 2, time.Minute)
		require.NoError(t, err)
		require.False(t, ok)

		// Advance past the window; old entries fall out.
		now = now.Add(61 * time.Second)
		ok, err = store.Allow(ctx, key, 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("keys are independent per user", func(t *testing.T) {
		store, _ := setupStore(t)
		ok, err := store.Allow(ctx, Key("carol"), 1, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.Allow(ctx, Key("dan"), 1, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("count reflects admitted requests", func(t *testing.T) {
		store, _ := setupStore(t)
		key := Key("erin")
		for i := 0; i < 4; i++ {
			_, err := store.Allow(ctx, key, 10, time.Minute)
			require.NoError(t, err)
		}
		n, err := store.Count(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	})
}

func TestKey_SanitizesDelimiters(t *testing.T) {
	assert.Equal(t, "quota:burst:user_admin", Key("user:admin"))
}
