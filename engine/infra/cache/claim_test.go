package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisFromClient(context.Background(), client), s
}

func TestRedisClaimer(t *testing.T) {
	ctx := context.Background()

	t.Run("Should grant a key to one owner until it expires", func(t *testing.T) {
		r, s := newTestRedis(t)
		a := NewRedisClaimer(r, "instance-a")
		b := NewRedisClaimer(r, "instance-b")
		ok, err := a.Claim(ctx, "tick:1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = b.Claim(ctx, "tick:1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		s.FastForward(2 * time.Minute)
		ok, err = b.Claim(ctx, "tick:1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Should only release claims the owner holds", func(t *testing.T) {
		r, _ := newTestRedis(t)
		a := NewRedisClaimer(r, "instance-a")
		b := NewRedisClaimer(r, "instance-b")
		ok, err := a.Claim(ctx, "k", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, b.Release(ctx, "k"))
		ok, err = b.Claim(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)
		require.NoError(t, a.Release(ctx, "k"))
		ok, err = b.Claim(ctx, "k", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Should surface connection failures", func(t *testing.T) {
		r, s := newTestRedis(t)
		s.Close()
		_, err := NewRedisClaimer(r, "a").Claim(ctx, "k", time.Minute)
		assert.Error(t, err)
	})
}

func TestLocalClaimer(t *testing.T) {
	ctx := context.Background()
	t.Run("Should expire claims after the ttl", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		c := NewLocalClaimer(16)
		c.now = func() time.Time { return now }
		ok, _ := c.Claim(ctx, "k", time.Minute)
		assert.True(t, ok)
		ok, _ = c.Claim(ctx, "k", time.Minute)
		assert.False(t, ok)
		now = now.Add(61 * time.Second)
		ok, _ = c.Claim(ctx, "k", time.Minute)
		assert.True(t, ok)
	})
	t.Run("Should allow reclaiming after release", func(t *testing.T) {
		c := NewLocalClaimer(16)
		ok, _ := c.Claim(ctx, "k", time.Hour)
		require.True(t, ok)
		require.NoError(t, c.Release(ctx, "k"))
		ok, _ = c.Claim(ctx, "k", time.Hour)
		assert.True(t, ok)
	})
}

func TestNewRedis(t *testing.T) {
	t.Run("Should connect using a URL", func(t *testing.T) {
		s := miniredis.RunT(t)
		r, err := NewRedis(context.Background(), &Config{URL: "redis://" + s.Addr()})
		require.NoError(t, err)
		defer r.Close()
		assert.NoError(t, r.HealthCheck(context.Background()))
	})
	t.Run("Should require configuration", func(t *testing.T) {
		_, err := NewRedis(context.Background(), &Config{})
		assert.Error(t, err)
	})
	t.Run("Should fail when the server is unreachable", func(t *testing.T) {
		_, err := NewRedis(context.Background(), &Config{Host: "127.0.0.1", Port: "1", PingTimeout: 200 * time.Millisecond})
		assert.Error(t, err)
	})
}
