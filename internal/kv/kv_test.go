package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zoneDoc struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func TestRedisKVStore_GetSet(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := NewRedisKVStore(rdb)
	ctx := context.Background()

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, store.Set(ctx, "k", "v", time.Minute))
	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)

	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestMemoryStore_TTL(t *testing.T) {
	store := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", "1", time.Second))
	require.NoError(t, store.Set(ctx, "b", "2", 0))

	now = now.Add(2 * time.Second)
	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)

	val, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "2", val)
}

func TestJSONHelpers(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	var zones []zoneDoc
	found, err := GetJSON(ctx, store, "zones", &zones)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, SetJSON(ctx, store, "zones", []zoneDoc{{ID: 1, Name: "Home"}}, 0))
	found, err = GetJSON(ctx, store, "zones", &zones)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []zoneDoc{{ID: 1, Name: "Home"}}, zones)

	require.NoError(t, store.Set(ctx, "broken", "{not json", 0))
	_, err = GetJSON(ctx, store, "broken", &zones)
	assert.Error(t, err)
}

func TestScopedKey(t *testing.T) {
	assert.Equal(t, "pingme_geofences", ScopedKey("pingme_geofences", ""))
	assert.Equal(t, "pingme_geofences:cg-1", ScopedKey("pingme_geofences", "cg-1"))
}
