package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"explaind/internal/quota/models"
	"explaind/pkg/domain"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("user is created lazily and only once", func(t *testing.T) {
		store := NewMemory()
		first, err := store.GetOrCreateUser(ctx, "alice")
		require.NoError(t, err)

		second, err := store.GetOrCreateUser(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, first.CreatedAt, second.CreatedAt)
	})

	t.Run("daily quota starts at zero", func(t *testing.T) {
		store := NewMemory()
		day := domain.DayOf(time.Now())
		q, err := store.GetDailyQuota(ctx, "alice", day)
		require.NoError(t, err)
		assert.Zero(t, q.RequestsCount)
		assert.Zero(t, q.TokensCount)
	})

	t.Run("conditional increment denies when projection exceeds a cap", func(t *testing.T) {
		store := NewMemory()
		day := domain.DayOf(time.Now())
		limits := &models.Limits{MaxRequests: 1, MaxTokens: 100}

		ok, q, err := store.IncrementIfWithinLimit(ctx, "bob", day, models.Delta{Requests: 1}, limits)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, q.RequestsCount)

		ok, q, err = store.IncrementIfWithinLimit(ctx, "bob", day, models.Delta{Requests: 1}, limits)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, q.RequestsCount, "denied increment must not change counts")
	})

	t.Run("nil limits applies unconditionally past the cap", func(t *testing.T) {
		store := NewMemory()
		day := domain.DayOf(time.Now())

		ok, q, err := store.IncrementIfWithinLimit(ctx, "carol", day, models.Delta{Tokens: 900}, nil)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 900, q.TokensCount)
	})

	t.Run("negative delta floors at zero", func(t *testing.T) {
		store := NewMemory()
		day := domain.DayOf(time.Now())

		ok, q, err := store.IncrementIfWithinLimit(ctx, "dave", day, models.Delta{Requests: -1}, nil)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Zero(t, q.RequestsCount)
	})

	t.Run("buckets on either side of UTC midnight are independent", func(t *testing.T) {
		store := NewMemory()
		before := domain.DayOf(time.Date(2026, 3, 14, 23, 59, 59, 0, time.UTC))
		after := domain.DayOf(time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC))
		require.NotEqual(t, before, after)

		_, _, err := store.IncrementIfWithinLimit(ctx, "erin", before, models.Delta{Requests: 5}, nil)
		require.NoError(t, err)

		q, err := store.GetDailyQuota(ctx, "erin", after)
		require.NoError(t, err)
		assert.Zero(t, q.RequestsCount)
	})

	t.Run("success log rows settle lifetime totals", func(t *testing.T) {
		store := NewMemory()

		_, err := store.AppendLog(ctx, &models.RequestLogEntry{
			UserID: "frank", Topic: "goroutines",
			InputTokens: 40, OutputTokens: 360, TotalTokens: 400, Success: true,
		})
		require.NoError(t, err)
		_, err = store.AppendLog(ctx, &models.RequestLogEntry{
			UserID: "frank", Topic: "channels", Success: false, ErrorMsg: "upstream timeout",
		})
		require.NoError(t, err)

		requests, tokens, err := store.LifetimeTotals(ctx, "frank")
		require.NoError(t, err)
		assert.Equal(t, 1, requests, "failed attempts must not count toward lifetime totals")
		assert.Equal(t, 400, tokens)
	})

	t.Run("recent requests are newest first and capped", func(t *testing.T) {
		store := NewMemory()
		for i := 0; i < 5; i++ {
			_, err := store.AppendLog(ctx, &models.RequestLogEntry{
				UserID: "gail", Topic: "t", Success: true,
			})
			require.NoError(t, err)
		}
		entries, err := store.RecentRequests(ctx, "gail", 3)
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Greater(t, entries[0].ID, entries[1].ID)
	})
}

func TestMemoryStore_ConcurrentConditionalIncrement(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	day := domain.DayOf(time.Now())
	limits := &models.Limits{MaxRequests: 10, MaxTokens: 1 << 30}

	const goroutines = 100

	var wg sync.WaitGroup
	var admitted atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := store.IncrementIfWithinLimit(ctx, "race", day, models.Delta{Requests: 1}, limits)
			assert.NoError(t, err)
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), admitted.Load(), "exactly the cap may be admitted")

	q, err := store.GetDailyQuota(ctx, "race", day)
	require.NoError(t, err)
	assert.Equal(t, 10, q.RequestsCount)
}

func TestMemoryStore_ConcurrentTokenSettlement(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	day := domain.DayOf(time.Now())

	const goroutines = 50
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.IncrementIfWithinLimit(ctx, "sum", day, models.Delta{Tokens: 7}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	q, err := store.GetDailyQuota(ctx, "sum", day)
	require.NoError(t, err)
	assert.Equal(t, goroutines*7, q.TokensCount, "concurrent settlements must sum exactly")
}
