package auth

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisSessionStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, newRedisSessionStore(client, "", time.Second)
}

func TestRedisSessionStoreRoundTrip(t *testing.T) {
	mr, store := setupRedisStore(t)
	ctx := context.Background()

	record := SessionRecord{
		Token:             "raw-token",
		Subject:           "channel-1",
		Bundle:            []byte{9, 8, 7},
		ExpiresAt:         time.Now().Add(time.Hour).UTC(),
		AbsoluteExpiresAt: time.Now().Add(2 * time.Hour).UTC(),
	}
	require.NoError(t, store.Save(ctx, record))

	hashed, err := hashSessionToken("raw-token")
	require.NoError(t, err)
	assert.True(t, mr.Exists(defaultRedisSessionPrefix+hashed))
	assert.False(t, mr.Exists(defaultRedisSessionPrefix+"raw-token"))
	ttl := mr.TTL(defaultRedisSessionPrefix + hashed)
	assert.True(t, ttl > 59*time.Minute && ttl <= time.Hour, "unexpected ttl %v", ttl)

	got, ok, err := store.Get(ctx, "raw-token")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, record.Subject, got.Subject)
	assert.Equal(t, record.Bundle, got.Bundle)
	assert.True(t, got.ExpiresAt.Equal(record.ExpiresAt))

	require.NoError(t, store.Delete(ctx, "raw-token"))
	_, ok, err = store.Get(ctx, "raw-token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSessionStoreExpiresKeys(t *testing.T) {
	mr, store := setupRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, SessionRecord{
		Token:             "short",
		Bundle:            []byte{1},
		ExpiresAt:         time.Now().Add(time.Minute),
		AbsoluteExpiresAt: time.Now().Add(time.Minute),
	}))

	mr.FastForward(2 * time.Minute)
	_, ok, err := store.Get(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSessionStoreBacksManager(t *testing.T) {
	_, store := setupRedisStore(t)
	ctx := context.Background()
	manager := newTestManager(t, time.Hour, WithStore(store))

	token, _, err := manager.Create(ctx, testCredentials("redis-access"))
	require.NoError(t, err)
	creds, _, ok, err := manager.Validate(ctx, token)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "redis-access", creds.Token.AccessToken)
	assert.NoError(t, manager.Ping(ctx))
	require.NoError(t, manager.Revoke(ctx, token))
	_, _, ok, err = manager.Validate(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisSessionStoreSaveExpiredDeletes(t *testing.T) {
	mr, store := setupRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, SessionRecord{Token: "gone", Bundle: []byte{1}, ExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, store.Save(ctx, SessionRecord{Token: "gone", Bundle: []byte{1}, ExpiresAt: time.Now().Add(-time.Second)}))
	hashed, _ := hashSessionToken("gone")
	assert.False(t, mr.Exists(defaultRedisSessionPrefix+hashed))
}
