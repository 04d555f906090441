package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeySetCache(t *testing.T) (*KeySetCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewKeySetCache(client), mr
}

func TestKeySetCacheRoundTrip(t *testing.T) {
	cache, mr := newTestKeySetCache(t)
	ctx := context.Background()
	url := "https://keys.example.com/jwks.json"

	doc, err := cache.Get(ctx, url)
	require.NoError(t, err)
	assert.Nil(t, doc, "miss is not an error")

	require.NoError(t, cache.Set(ctx, url, []byte(`{"keys":[]}`), time.Minute))

	doc, err = cache.Get(ctx, url)
	require.NoError(t, err)
	assert.JSONEq(t, `{"keys":[]}`, string(doc))
	assert.True(t, mr.Exists("jwks:"+url))
	assert.Equal(t, time.Minute, mr.TTL("jwks:"+url))

	mr.FastForward(2 * time.Minute)
	doc, err = cache.Get(ctx, url)
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestKeySetCacheWithoutTTL(t *testing.T) {
	cache, mr := newTestKeySetCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "u", []byte("doc"), 0))
	assert.Zero(t, mr.TTL("jwks:u"))
}

func TestKeySetCacheSurfacesRedisErrors(t *testing.T) {
	cache, mr := newTestKeySetCache(t)
	mr.Close()

	_, err := cache.Get(context.Background(), "u")
	assert.Error(t, err)
	assert.Error(t, cache.Set(context.Background(), "u", []byte("doc"), time.Minute))
}
