package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestRedisCache_GetSet(t *testing.T) {
	mr := miniredis.RunT(t)
	c := New(mr.Addr())
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte(`{"status":"IN_TRANSIT"}`), time.Minute))
	val, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"status":"IN_TRANSIT"}`), val)

	// TTL истёк — ключ пропадает.
	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTokenCache(t *testing.T) {
	mr := miniredis.RunT(t)
	tc := NewTokenCache(mr.Addr())
	ctx := context.Background()

	_, ok, err := tc.GetToken(ctx, "ups")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tc.SetToken(ctx, "ups", "tok-1", time.Hour))
	tok, ok, err := tc.GetToken(ctx, "ups")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok-1", tok)

	// Ключи изолированы по перевозчику.
	_, ok, err = tc.GetToken(ctx, "fedex")
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, mr.Exists("carrier:ups:token"))

	// Evict после 401.
	require.NoError(t, tc.Evict(ctx, "ups"))
	_, ok, err = tc.GetToken(ctx, "ups")
	require.NoError(t, err)
	require.False(t, ok)

	// Протухание по TTL.
	require.NoError(t, tc.SetToken(ctx, "usps", "tok-2", time.Minute))
	mr.FastForward(2 * time.Minute)
	_, ok, err = tc.GetToken(ctx, "usps")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRateLimiter_Allow(t *testing.T) {
	mr := miniredis.RunT(t)
	rl := NewRateLimiter(mr.Addr())
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		allowed, n, err := rl.Allow(ctx, "rl:carrier:ups:x", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, allowed)
		require.Equal(t, i, n)
	}

	allowed, n, err := rl.Allow(ctx, "rl:carrier:ups:x", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, allowed)
	require.Equal(t, int64(4), n)

	// Окно истекло — счётчик начинается заново.
	mr.FastForward(2 * time.Minute)
	allowed, n, err = rl.Allow(ctx, "rl:carrier:ups:x", 3, time.Minute)
	require.NoError(t, err)
	require.True(t, allowed)
	require.Equal(t, int64(1), n)
}
