package idempotency

import (
	"context"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMini(t *testing.T) (*mrd.Miniredis, *redis.Client) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return s, rdb
}

func TestGuard_MarkAndExists(t *testing.T) {
	s, rdb := newMini(t)
	g := NewGuard(rdb)
	ctx := context.Background()

	ok, err := g.Exists(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, g.Mark(ctx, "k1", DefaultTTL))
	ok, err = g.Exists(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, DefaultTTL, s.TTL(markerKey("k1")))
}

func TestGuard_MarkerExpires(t *testing.T) {
	s, rdb := newMini(t)
	g := NewGuard(rdb)
	ctx := context.Background()

	require.NoError(t, g.Mark(ctx, "k1", time.Hour))
	s.FastForward(time.Hour + time.Second)

	ok, err := g.Exists(ctx, "k1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestGuard_ClaimIsExclusive(t *testing.T) {
	_, rdb := newMini(t)
	g := NewGuard(rdb)
	ctx := context.Background()

	first, err := g.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	require.True(t, first)

	second, err := g.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	require.False(t, second)

	require.NoError(t, g.Release(ctx, "k1"))
	again, err := g.Claim(ctx, "k1", time.Minute)
	require.NoError(t, err)
	require.True(t, again)
}

func TestGuard_StoreUnavailable(t *testing.T) {
	s, rdb := newMini(t)
	g := NewGuard(rdb)
	s.Close()

	_, err := g.Exists(context.Background(), "k1")
	require.Error(t, err)
	_, err = g.Claim(context.Background(), "k1", time.Minute)
	require.Error(t, err)
}
