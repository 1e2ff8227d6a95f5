package store

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T, mr *miniredis.Miniredis, onMessage MessageHandler) *Conn {
	t.Helper()
	c := NewConn(ConnOptions{
		Redis:     &redis.Options{Addr: mr.Addr()},
		Channel:   "q:events",
		OnMessage: onMessage,
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEnsureConnectedIsIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	var connects atomic.Int32
	c := NewConn(ConnOptions{
		Redis:     &redis.Options{Addr: mr.Addr()},
		Channel:   "q:events",
		OnConnect: func() { connects.Add(1) },
	})
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	require.False(t, c.Connected())
	require.NoError(t, c.EnsureConnected(ctx))
	require.NoError(t, c.EnsureConnected(ctx))
	assert.True(t, c.Connected())
	assert.Equal(t, int32(1), connects.Load())
}

func TestSubscriptionRelaysMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	got := make(chan string, 1)
	c := newTestConn(t, mr, func(payload string) { got <- payload })

	ctx := context.Background()
	require.NoError(t, c.EnsureConnected(ctx))
	require.NoError(t, c.Do(ctx, func(rdb redis.Cmdable) error {
		return rdb.Publish(ctx, "q:events", "hello").Err()
	}))

	select {
	case p := <-got:
		assert.Equal(t, "hello", p)
	case <-time.After(2 * time.Second):
		t.Fatal("message not relayed")
	}
}

func TestDoReconnectsAfterClose(t *testing.T) {
	mr := miniredis.RunT(t)
	got := make(chan string, 1)
	c := newTestConn(t, mr, func(payload string) { got <- payload })

	ctx := context.Background()
	require.NoError(t, c.EnsureConnected(ctx))
	require.NoError(t, c.Close())
	require.False(t, c.Connected())
	require.NoError(t, c.Close(), "closing twice is fine")

	require.NoError(t, c.Do(ctx, func(rdb redis.Cmdable) error {
		return rdb.RPush(ctx, "q:waiting", "a").Err()
	}))
	assert.True(t, c.Connected())

	// the new subscription connection is re-subscribed
	require.NoError(t, c.Do(ctx, func(rdb redis.Cmdable) error {
		return rdb.Publish(ctx, "q:events", "again").Err()
	}))
	select {
	case p := <-got:
		assert.Equal(t, "again", p)
	case <-time.After(2 * time.Second):
		t.Fatal("message not relayed after reconnect")
	}
}

func TestEnsureConnectedFailsWhenStoreIsDown(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	c := NewConn(ConnOptions{
		Redis:   &redis.Options{Addr: addr, MaxRetries: -1, DialTimeout: 200 * time.Millisecond},
		Channel: "q:events",
	})
	err = c.EnsureConnected(context.Background())
	require.Error(t, err)
	assert.False(t, c.Connected())
}

func TestStatusLifecycle(t *testing.T) {
	mr := miniredis.RunT(t)
	c := newTestConn(t, mr, nil)
	s := NewStatus("q:")
	ctx := context.Background()

	require.NoError(t, c.Do(ctx, func(rdb redis.Cmdable) error {
		s.SetStatus(ctx, rdb, "j1", "waiting", time.Minute, map[string]interface{}{"attempts": 0})
		return nil
	}))
	assert.True(t, mr.Exists("q:job:j1"))
	assert.Equal(t, time.Minute, mr.TTL("q:job:j1"))

	var data map[string]string
	require.NoError(t, c.Do(ctx, func(rdb redis.Cmdable) error {
		var err error
		data, err = s.GetJob(ctx, rdb, "j1")
		return err
	}))
	assert.Equal(t, "waiting", data["status"])
	assert.Equal(t, "0", data["attempts"])
	assert.NotEmpty(t, data["updated_at"])

	require.NoError(t, c.Do(ctx, func(rdb redis.Cmdable) error {
		s.Delete(ctx, rdb, "j1")
		return nil
	}))
	assert.False(t, mr.Exists("q:job:j1"))
}
