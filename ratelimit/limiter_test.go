package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/pulse/ratelimit"
	"github.com/ceyewan/pulse/store/storetest"
)

func TestLimiter_FixedWindow(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	l := ratelimit.New(s)

	for i := 1; i <= 5; i++ {
		res, err := l.CheckAndIncrement(ctx, "ip:1.2.3.4", "auth.login", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d", i)
		assert.Equal(t, int64(i), res.Current)
	}

	mr.FastForward(10 * time.Second)

	res, err := l.CheckAndIncrement(ctx, "ip:1.2.3.4", "auth.login", 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(6), res.Current)
	assert.InDelta(t, float64(50*time.Second), float64(res.RetryAfter), float64(time.Second))

	t.Run("不同身份互不影响", func(t *testing.T) {
		res, err := l.CheckAndIncrement(ctx, "ip:5.6.7.8", "auth.login", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("不同窗口互不影响", func(t *testing.T) {
		res, err := l.CheckAndIncrement(ctx, "ip:1.2.3.4", "auth.login", 5, time.Hour)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("窗口过期后恢复", func(t *testing.T) {
		mr.FastForward(51 * time.Second)
		res, err := l.CheckAndIncrement(ctx, "ip:1.2.3.4", "auth.login", 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(1), res.Current)
	})
}

func TestLimiter_ConcurrentAtomicity(t *testing.T) {
	ctx := context.Background()
	s, _ := storetest.New(t)
	l := ratelimit.New(s)

	const limit = 20
	var allowed, denied atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 2*limit+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := l.CheckAndIncrement(ctx, "user:alice", "message.send", limit, time.Minute)
			if err != nil {
				return
			}
			if res.Allowed {
				allowed.Add(1)
			} else {
				denied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
	assert.Equal(t, int64(limit+1), denied.Load())
}

func TestLimiter_FailOpen(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, mr := storetest.New(t)
	l := ratelimit.New(s)
	mr.Close()

	res, err := l.CheckAndIncrement(ctx, "ip:1.2.3.4", "auth.login", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.True(t, res.FailOpen)
}

func TestLimiter_InvalidArgs(t *testing.T) {
	s, _ := storetest.New(t)
	l := ratelimit.New(s)

	_, err := l.CheckAndIncrement(context.Background(), "x", "y", 0, time.Minute)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidLimit)
	_, err = l.CheckAndIncrement(context.Background(), "x", "y", 1, 0)
	assert.ErrorIs(t, err, ratelimit.ErrInvalidLimit)
}

func TestLimiter_Window(t *testing.T) {
	ctx := context.Background()
	s, mr := storetest.New(t)
	l := ratelimit.New(s)

	w, err := l.Window(ctx, "user:u1", "message.send", 10, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, w)

	for i := 0; i < 3; i++ {
		_, err := l.CheckAndIncrement(ctx, "user:u1", "message.send", 10, time.Minute)
		require.NoError(t, err)
	}
	mr.FastForward(20 * time.Second)

	w, err = l.Window(ctx, "user:u1", "message.send", 10, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, int64(3), w.Count)
	assert.Equal(t, 60, w.WindowSeconds)
	assert.Equal(t, int64(10), w.Limit)
	assert.WithinDuration(t, time.Now().Add(-20*time.Second), w.WindowStart, 2*time.Second)

	mr.FastForward(time.Minute)
	w, err = l.Window(ctx, "user:u1", "message.send", 10, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, w, "window expired")
}
