package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-backup/internal/repository"
)

func TestCache_SetAndGet(t *testing.T) {
	cache := NewCache()
	defer cache.Stop()

	ctx := context.Background()
	err := cache.Set(ctx, "checksum:abcd", []byte("row"), time.Minute)
	require.NoError(t, err)

	result, err := cache.Get(ctx, "checksum:abcd")
	require.NoError(t, err)
	assert.Equal(t, []byte("row"), result)
}

func TestCache_GetMiss(t *testing.T) {
	cache := NewCache()
	defer cache.Stop()

	_, err := cache.Get(context.Background(), "non-existent")
	assert.ErrorIs(t, err, repository.ErrCacheMiss)
}

func TestCache_Expiration(t *testing.T) {
	cache := NewCache()
	defer cache.Stop()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "k", []byte("v"), 50*time.Millisecond))

	_, err := cache.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)

	_, err = cache.Get(ctx, "k")
	assert.ErrorIs(t, err, repository.ErrCacheMiss)

	exists, err := cache.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCache_Delete(t *testing.T) {
	cache := NewCache()
	defer cache.Stop()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "k", []byte("v"), time.Minute))
	require.NoError(t, cache.Delete(ctx, "k"))

	_, err := cache.Get(ctx, "k")
	assert.ErrorIs(t, err, repository.ErrCacheMiss)

	// Deleting a missing key is not an error.
	require.NoError(t, cache.Delete(ctx, "never-was"))
}

func TestCache_Exists(t *testing.T) {
	cache := NewCache()
	defer cache.Stop()

	ctx := context.Background()
	exists, err := cache.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, cache.Set(ctx, "k", []byte("v"), time.Minute))
	exists, err = cache.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCache_ValueImmutability(t *testing.T) {
	cache := NewCache()
	defer cache.Stop()

	ctx := context.Background()
	value := []byte("original")
	require.NoError(t, cache.Set(ctx, "k", value, time.Minute))

	// Mutating the caller's slice or the returned slice must not change
	// what the cache holds.
	value[0] = 'X'
	result, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), result)

	result[0] = 'Y'
	result2, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), result2)
}

func TestCache_NoExpiry(t *testing.T) {
	cache := NewCache()
	defer cache.Stop()

	ctx := context.Background()
	require.NoError(t, cache.Set(ctx, "k", []byte("v"), 0))

	time.Sleep(50 * time.Millisecond)
	result, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), result)
}

func TestCache_StopIsIdempotent(t *testing.T) {
	cache := NewCache()
	require.NoError(t, cache.Set(context.Background(), "k", []byte("v"), time.Minute))
	cache.Stop()
	cache.Stop()
}
