package filesystem

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-backup/internal/storage"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStorage(Config{
		DataDir: filepath.Join(dir, "data"),
		TempDir: filepath.Join(dir, "tmp"),
	}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

const testChecksum = "abcdef0123456789abcdef0123456789"

func TestStorage_PutAndGet(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	content := []byte("blob payload")

	n, err := s.Put(ctx, testChecksum, bytes.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)

	rc, err := s.Get(ctx, testChecksum)
	require.NoError(t, err)
	defer rc.Close()
	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, out)
}

func TestStorage_ShardedLayout(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Put(ctx, testChecksum, bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	// Blob lands at data/ab/cd/<checksum>.
	expected := filepath.Join(s.GetDataDir(), "ab", "cd", testChecksum)
	_, err = os.Stat(expected)
	assert.NoError(t, err)
}

func TestStorage_DoublePutIsNoop(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Put(ctx, testChecksum, bytes.NewReader([]byte("first")))
	require.NoError(t, err)
	_, err = s.Put(ctx, testChecksum, bytes.NewReader([]byte("second, ignored")))
	require.NoError(t, err)

	rc, err := s.Get(ctx, testChecksum)
	require.NoError(t, err)
	defer rc.Close()
	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), out)
}

func TestStorage_GetMissing(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.Get(context.Background(), testChecksum)
	assert.ErrorIs(t, err, storage.ErrBlobNotFound)
}

func TestStorage_InvalidChecksum(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.Put(context.Background(), "ab", bytes.NewReader(nil))
	assert.ErrorIs(t, err, storage.ErrInvalidChecksum)
}

func TestStorage_Exists(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, testChecksum)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Put(ctx, testChecksum, bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	ok, err = s.Exists(ctx, testChecksum)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStorage_Remove(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Put(ctx, testChecksum, bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, testChecksum))

	ok, err := s.Exists(ctx, testChecksum)
	require.NoError(t, err)
	assert.False(t, ok)

	// Empty shard directories are cleaned up.
	_, err = os.Stat(filepath.Join(s.GetDataDir(), "ab"))
	assert.True(t, os.IsNotExist(err))

	assert.ErrorIs(t, s.Remove(ctx, testChecksum), storage.ErrBlobNotFound)
}

func TestStorage_Size(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	content := []byte("sized content")

	_, err := s.Put(ctx, testChecksum, bytes.NewReader(content))
	require.NoError(t, err)

	size, err := s.Size(ctx, testChecksum)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	_, err = s.Size(ctx, "ffffffffffffffffffffffffffffffff")
	assert.ErrorIs(t, err, storage.ErrBlobNotFound)
}

func TestStorage_Iterate(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	checksums := []string{
		"aabb000000000000000000000000000a",
		"aabb000000000000000000000000000b",
		"ccdd000000000000000000000000000c",
	}
	for _, c := range checksums {
		_, err := s.Put(ctx, c, bytes.NewReader([]byte("data-"+c)))
		require.NoError(t, err)
	}

	// Foreign files in the tree are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(s.GetDataDir(), "tardis.db"), []byte("db"), 0644))

	seen := map[string]int64{}
	err := s.Iterate(ctx, func(checksum string, size int64) error {
		seen[checksum] = size
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, seen, len(checksums))
	for _, c := range checksums {
		assert.Contains(t, seen, c)
	}
}

func TestStorage_GetSeekable(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Put(ctx, testChecksum, bytes.NewReader([]byte("0123456789")))
	require.NoError(t, err)

	f, err := s.GetSeekable(ctx, testChecksum)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Seek(5, io.SeekStart)
	require.NoError(t, err)
	out, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, []byte("56789"), out)
}

func TestStorage_HealthCheck(t *testing.T) {
	s := newTestStorage(t)
	assert.NoError(t, s.HealthCheck(context.Background()))
}

func TestStorage_NoTempLeftovers(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.Put(ctx, testChecksum, bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	entries, err := os.ReadDir(s.GetTempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}
