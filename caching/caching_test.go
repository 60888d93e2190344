package caching

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRedisCachingService(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	svc := NewRedisCachingService(client)
	ctx := context.Background()

	require.NoError(t, svc.IsReady(ctx))

	_, ok, err := svc.Get(ctx, "uploads:files")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, svc.Set(ctx, "uploads:files", []byte(`[]`), time.Minute))
	val, ok, err := svc.Get(ctx, "uploads:files")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`[]`), val)

	mr.FastForward(2 * time.Minute)
	_, ok, err = svc.Get(ctx, "uploads:files")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, svc.Set(ctx, "uploads:files", []byte(`[1]`), time.Minute))
	require.NoError(t, svc.Delete(ctx, "uploads:files"))
	_, ok, err = svc.Get(ctx, "uploads:files")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNullCachingService(t *testing.T) {
	svc := NewNullCachingService()
	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "k", []byte("v"), time.Minute))
	_, ok, err := svc.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, svc.Delete(ctx, "k"))
}
