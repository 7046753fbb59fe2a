package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker_Acquire(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	acquired, err := locker.Acquire(ctx, "dataset", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	// A second handle cannot take the same dataset.
	acquired, err = locker.Acquire(ctx, "dataset", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, acquired)

	// Other keys are independent.
	acquired, err = locker.Acquire(ctx, "other-dataset", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestMemoryLocker_Release(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	acquired, err := locker.Acquire(ctx, "dataset", 5*time.Second)
	require.NoError(t, err)
	require.True(t, acquired)

	released, err := locker.Release(ctx, "dataset")
	require.NoError(t, err)
	assert.True(t, released)

	acquired, err = locker.Acquire(ctx, "dataset", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Releasing an unheld lock reports false.
	released, err = locker.Release(ctx, "never-held")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestMemoryLocker_Expiration(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	acquired, err := locker.Acquire(ctx, "dataset", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(100 * time.Millisecond)

	// An expired lock can be taken over.
	acquired, err = locker.Acquire(ctx, "dataset", time.Second)
	require.NoError(t, err)
	assert.True(t, acquired)
}
