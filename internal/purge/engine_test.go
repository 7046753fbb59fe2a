package purge

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-backup/internal/domain"
	"github.com/prn-tf/alexander-backup/internal/repository/sqlite"
	"github.com/prn-tf/alexander-backup/internal/storage/filesystem"
)

func newTestEngine(t *testing.T) (*Engine, *sqlite.Store, *filesystem.Storage) {
	t.Helper()
	dir := t.TempDir()

	blobs, err := filesystem.NewStorage(filesystem.Config{
		DataDir: filepath.Join(dir, "data"),
		TempDir: filepath.Join(dir, "tmp"),
	}, zerolog.Nop())
	require.NoError(t, err)

	store, err := sqlite.Open(context.Background(),
		filepath.Join(dir, "tardis.db"), sqlite.Options{Create: true}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return New(store, blobs, nil, nil, zerolog.Nop()), store, blobs
}

func TestRemoveOrphans_BlobWithoutRow(t *testing.T) {
	engine, _, blobs := newTestEngine(t)
	ctx := context.Background()

	const stray = "deadbeefdeadbeefdeadbeefdeadbeef"
	_, err := blobs.Put(ctx, stray, bytes.NewReader([]byte("unaccounted bytes")))
	require.NoError(t, err)

	res, err := engine.RemoveOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.OrphanBlobsRemoved)
	assert.Positive(t, res.BytesFreed)

	exists, err := blobs.Exists(ctx, stray)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRemoveOrphans_RowWithoutBlob(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	// A row whose blob never made it to disk is reported, not deleted.
	_, err := store.InsertChecksum(ctx, domain.ChecksumInfo{Checksum: "c0ffee", Size: 10, IsFile: true})
	require.NoError(t, err)

	res, err := engine.RemoveOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.OrphanBlobsRemoved)
	assert.Equal(t, 1, res.MissingBlobs)

	_, err = store.ChecksumInfo(ctx, "c0ffee")
	assert.NoError(t, err)
}

func TestRemoveOrphans_LiveBlobUntouched(t *testing.T) {
	engine, store, blobs := newTestEngine(t)
	ctx := context.Background()

	const live = "feedfacefeedfacefeedfacefeedface"
	_, err := blobs.Put(ctx, live, bytes.NewReader([]byte("real content")))
	require.NoError(t, err)
	_, err = store.InsertChecksum(ctx, domain.ChecksumInfo{Checksum: live, Size: 12, IsFile: true})
	require.NoError(t, err)

	res, err := engine.RemoveOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.OrphanBlobsRemoved)
	assert.Equal(t, 0, res.MissingBlobs)

	exists, err := blobs.Exists(ctx, live)
	require.NoError(t, err)
	assert.True(t, exists)
}
