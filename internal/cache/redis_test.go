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

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreFromClient(client, "edupay:"), mr
}

func TestRedisStore_SetGet(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "order:ABC", "TXN1", time.Minute))
	assert.True(t, mr.Exists("edupay:order:ABC"))

	var code string
	found, err := s.Get(ctx, "order:ABC", &code)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "TXN1", code)
}

func TestRedisStore_MissAndExpiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	var v []string
	found, err := s.Get(ctx, "banks", &v)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Set(ctx, "banks", []string{"NCB", "VCB"}, time.Hour))
	mr.FastForward(2 * time.Hour)

	found, err = s.Get(ctx, "banks", &v)
	require.NoError(t, err)
	assert.False(t, found)
}
