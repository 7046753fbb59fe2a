package backup

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/alexander-backup/internal/config"
	"github.com/prn-tf/alexander-backup/internal/delta"
	"github.com/prn-tf/alexander-backup/internal/domain"
	"github.com/prn-tf/alexander-backup/internal/regen"
	"github.com/prn-tf/alexander-backup/internal/session"
)

func testConfig(t *testing.T, compress bool) *config.Config {
	t.Helper()
	return &config.Config{
		Root:     t.TempDir(),
		Client:   "testhost",
		DBName:   "tardis.db",
		Compress: compress,
	}
}

func openTestDataset(t *testing.T, cfg *config.Config, password string) *Dataset {
	t.Helper()
	ds, err := Open(context.Background(), cfg, Options{
		Create:   true,
		Password: password,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })
	return ds
}

// ingestTree inserts /dir/<fileName> with content and completes the set.
// Returns the backup set id and the content checksum.
func ingestTree(t *testing.T, ds *Dataset, setName, dirName, fileName string, content []byte) (int64, string) {
	t.Helper()
	ctx := context.Background()

	sess, err := ds.NewSession(ctx, setName, 0, false, "client/1.0")
	require.NoError(t, err)

	dir := domain.FileAttributes{
		Name: []byte(dirName), Key: domain.InodeKey{Inode: 10, Device: 1},
		Dir: true, Mode: 0755, MTime: time.Now().Unix(), NLinks: 2,
	}
	require.NoError(t, sess.InsertFile(ctx, domain.RootInode, dir))

	file := domain.FileAttributes{
		Name: []byte(fileName), Key: domain.InodeKey{Inode: 11, Device: 1},
		Size: int64(len(content)), Mode: 0644, MTime: time.Now().Unix(), NLinks: 1,
	}
	require.NoError(t, sess.InsertFile(ctx, dir.Key, file))

	checksum, err := sess.AddFull(ctx, file.Key, bytes.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, sess.Finish(ctx))
	return sess.ID, checksum
}

func recoverFile(t *testing.T, ds *Dataset, path string, bset int64, authenticate bool) []byte {
	t.Helper()
	rc, err := ds.Regenerator().RecoverFile(context.Background(), path, bset, nil, authenticate)
	require.NoError(t, err)
	defer rc.Close()
	out, err := io.ReadAll(rc)
	require.NoError(t, err)
	return out
}

// contentChecksum hashes content the way the dataset names it.
func contentChecksum(ds *Dataset, content []byte) string {
	h := ds.Envelope().AuthHasher()
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}

// TestSingleFullFile: plaintext dataset, one file, one set.
func TestSingleFullFile(t *testing.T) {
	ds := openTestDataset(t, testConfig(t, true), "")
	ctx := context.Background()

	b1, checksum := ingestTree(t, ds, "b1", "a", "b.txt", []byte("hello"))

	out := recoverFile(t, ds, "/a/b.txt", b1, true)
	assert.Equal(t, []byte("hello"), out)

	info, err := ds.Store().ChecksumInfo(ctx, checksum)
	require.NoError(t, err)
	assert.Equal(t, 0, info.ChainLength)
	assert.Equal(t, int64(5), info.Size)
	assert.True(t, info.Compressed)
	assert.False(t, info.Encrypted)
}

// addDeltaVersion opens a new set, reuses the directory rows, and submits
// the new content as a delta against basis.
func addDeltaVersion(t *testing.T, ds *Dataset, setName string, basis string, content []byte) (int64, string, int) {
	t.Helper()
	ctx := context.Background()

	sess, err := ds.NewSession(ctx, setName, 0, false, "client/1.0")
	require.NoError(t, err)

	// Unchanged directory structure: clone it from the previous set.
	prev, err := ds.Store().LastCompleted(ctx)
	require.NoError(t, err)
	_, err = sess.CloneDirectory(ctx, domain.RootInode, prev.ID)
	require.NoError(t, err)
	dirKey := domain.InodeKey{Inode: 10, Device: 1}
	_, err = sess.CloneDirectory(ctx, dirKey, prev.ID)
	require.NoError(t, err)

	sig, err := ds.BasisSignature(ctx, basis)
	require.NoError(t, err)
	payload, err := delta.Delta(sig, bytes.NewReader(content))
	require.NoError(t, err)

	checksum := contentChecksum(ds, content)
	fileKey := domain.InodeKey{Inode: 11, Device: 1}
	chainLength, err := sess.AddDelta(ctx, fileKey, checksum, basis, int64(len(content)), bytes.NewReader(payload))
	require.NoError(t, err)
	require.NoError(t, sess.Finish(ctx))
	return sess.ID, checksum, chainLength
}

// TestDeltaChain: four versions, three deltas deep, every set restorable.
func TestDeltaChain(t *testing.T) {
	ds := openTestDataset(t, testConfig(t, true), "")
	ctx := context.Background()

	v0 := bytes.Repeat([]byte{'A'}, 64*1024)
	v1 := append([]byte(nil), v0...)
	v1[100] = 'B'
	v2 := append([]byte(nil), v1...)
	v2[40000] = 'C'
	v3 := append([]byte(nil), v2...)
	v3[63000] = 'D'

	b1, c0 := ingestTree(t, ds, "b1", "a", "file.bin", v0)
	b2, c1, n1 := addDeltaVersion(t, ds, "b2", c0, v1)
	b3, c2, n2 := addDeltaVersion(t, ds, "b3", c1, v2)
	b4, c3, n3 := addDeltaVersion(t, ds, "b4", c2, v3)

	assert.Equal(t, 1, n1)
	assert.Equal(t, 2, n2)
	assert.Equal(t, 3, n3)

	assert.Equal(t, v0, recoverFile(t, ds, "/a/file.bin", b1, true))
	assert.Equal(t, v1, recoverFile(t, ds, "/a/file.bin", b2, true))
	assert.Equal(t, v2, recoverFile(t, ds, "/a/file.bin", b3, true))
	assert.Equal(t, v3, recoverFile(t, ds, "/a/file.bin", b4, true))

	info, err := ds.Store().ChecksumInfo(ctx, c3)
	require.NoError(t, err)
	assert.Equal(t, 3, info.ChainLength)
	assert.Equal(t, c2, info.Basis)
	assert.Less(t, info.DeltaSize, int64(len(v3)))
}

// TestPurgePreservesBasis: purging the set that introduced a chain root
// keeps the root alive while later sets still reference it as a basis.
func TestPurgePreservesBasis(t *testing.T) {
	ds := openTestDataset(t, testConfig(t, true), "")
	ctx := context.Background()

	v0 := bytes.Repeat([]byte{'x'}, 32*1024)
	v1 := append([]byte(nil), v0...)
	v1[5] = 'y'

	b1, c0 := ingestTree(t, ds, "b1", "a", "f", v0)
	b2, _, _ := addDeltaVersion(t, ds, "b2", c0, v1)

	// Protect b2 by priority so only b1 is selected.
	require.NoError(t, ds.Store().SetBackupSetPriority(ctx, b2, 10))

	res, err := ds.Purger().Purge(ctx, 0, time.Now().Add(time.Hour), -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.SetsDeleted)

	// The root's row and blob survive: it is the basis of the live delta.
	_, err = ds.Store().ChecksumInfo(ctx, c0)
	require.NoError(t, err)
	exists, err := ds.Blobs().Exists(ctx, c0)
	require.NoError(t, err)
	assert.True(t, exists)

	_ = b1
	assert.Equal(t, v1, recoverFile(t, ds, "/a/f", b2, true))
}

// TestOrphanReclamation: deleting a set's metadata strands its content,
// which the next purge reclaims, row and blob both.
func TestOrphanReclamation(t *testing.T) {
	ds := openTestDataset(t, testConfig(t, true), "")
	ctx := context.Background()

	b1, checksum := ingestTree(t, ds, "b1", "a", "x", []byte("doomed content"))

	_, err := ds.Store().DeleteBackupSet(ctx, b1)
	require.NoError(t, err)

	orphans, err := ds.Store().OrphanChecksums(ctx)
	require.NoError(t, err)
	assert.Contains(t, orphans, checksum)

	res, err := ds.Purger().Purge(ctx, 0, time.Now().Add(time.Hour), -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ChecksumsDeleted)
	assert.Equal(t, 1, res.Rounds)

	_, err = ds.Store().ChecksumInfo(ctx, checksum)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	exists, err := ds.Blobs().Exists(ctx, checksum)
	require.NoError(t, err)
	assert.False(t, exists)
}

// TestEncryptedRoundTrip: encrypted dataset end to end, including what is
// visible on disk.
func TestEncryptedRoundTrip(t *testing.T) {
	cfg := testConfig(t, true)
	ds := openTestDataset(t, cfg, "p@ss")
	ctx := context.Background()

	content := []byte("very confidential bytes")
	bset, checksum := ingestTree(t, ds, "b1", "secret", "doc", content)

	// The stored blob is ciphertext.
	blob, err := ds.Blobs().Get(ctx, checksum)
	require.NoError(t, err)
	raw, err := io.ReadAll(blob)
	require.NoError(t, err)
	_ = blob.Close()
	assert.NotContains(t, string(raw), "confidential")

	// The Name row is ciphertext, and decrypts back to the plaintext name.
	encPath, err := ds.Envelope().EncryptPath("/secret")
	require.NoError(t, err)
	assert.NotEqual(t, "/secret", encPath)
	row, err := ds.Store().FileByPath(ctx, encPath, bset)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("secret"), row.Name)
	dec, err := ds.Envelope().DecryptFilename(row.Name)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), dec)

	// Full authenticated restore through the encrypted path lookup.
	assert.Equal(t, content, recoverFile(t, ds, "/secret/doc", bset, true))
}

// TestEncryptedReopen: a second handle with the right password unwraps the
// keys; a wrong password is refused.
func TestEncryptedReopen(t *testing.T) {
	cfg := testConfig(t, true)
	ds := openTestDataset(t, cfg, "p@ss")
	content := []byte("survives reopen")
	bset, _ := ingestTree(t, ds, "b1", "d", "f", content)
	require.NoError(t, ds.Close())

	_, err := Open(context.Background(), cfg, Options{Password: "wrong", Logger: zerolog.Nop()})
	require.Error(t, err)

	ds2, err := Open(context.Background(), cfg, Options{Password: "p@ss", Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer ds2.Close()
	assert.Equal(t, content, recoverFile(t, ds2, "/d/f", bset, true))
}

// TestAuthenticationFailure: a corrupted blob fails authenticated
// recovery, and subtree restore applies the configured failure action.
func TestAuthenticationFailure(t *testing.T) {
	// No compression: a flipped byte must surface as an auth failure, not
	// a decode error.
	cfg := testConfig(t, false)
	ds := openTestDataset(t, cfg, "")
	ctx := context.Background()

	bset, checksum := ingestTree(t, ds, "b1", "dir", "file", []byte("pristine content"))

	// Flip one byte of the stored blob.
	blobPath := domain.BlobPath(filepath.Join(cfg.Root, cfg.Client), checksum)
	raw, err := os.ReadFile(blobPath)
	require.NoError(t, err)
	raw[0] ^= 0xff
	require.NoError(t, os.WriteFile(blobPath, raw, 0644))

	rc, err := ds.Regenerator().RecoverChecksum(ctx, checksum, true)
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	_ = rc.Close()
	assert.ErrorIs(t, err, domain.ErrAuthenticationFailed)

	// Unauthenticated reads still hand back the (corrupt) bytes.
	rc, err = ds.Regenerator().RecoverChecksum(ctx, checksum, false)
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	_ = rc.Close()
	assert.NoError(t, err)

	root, err := ds.Store().FileByPath(ctx, "/dir", bset)
	require.NoError(t, err)

	t.Run("rename", func(t *testing.T) {
		outDir := t.TempDir()
		res, err := ds.Regenerator().RecoverSubtree(ctx, root, bset, outDir, regen.RestoreOptions{
			Authenticate: true, AuthFail: regen.AuthFailRename, Recurse: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Errors)

		entries, err := os.ReadDir(filepath.Join(outDir, "dir"))
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, strings.HasPrefix(entries[0].Name(), "file-CORRUPT-"))
	})

	t.Run("delete", func(t *testing.T) {
		outDir := t.TempDir()
		res, err := ds.Regenerator().RecoverSubtree(ctx, root, bset, outDir, regen.RestoreOptions{
			Authenticate: true, AuthFail: regen.AuthFailDelete, Recurse: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Errors)

		entries, err := os.ReadDir(filepath.Join(outDir, "dir"))
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("keep", func(t *testing.T) {
		outDir := t.TempDir()
		res, err := ds.Regenerator().RecoverSubtree(ctx, root, bset, outDir, regen.RestoreOptions{
			Authenticate: true, AuthFail: regen.AuthFailKeep, Recurse: true,
		})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Errors)

		_, err = os.Stat(filepath.Join(outDir, "dir", "file"))
		assert.NoError(t, err)
	})
}

// TestSubtreeRestore: directories, files and symlinks materialize with the
// hardlink map deduplicating multiply-linked inodes.
func TestSubtreeRestore(t *testing.T) {
	ds := openTestDataset(t, testConfig(t, true), "")
	ctx := context.Background()

	sess, err := ds.NewSession(ctx, "b1", 0, false, "client/1.0")
	require.NoError(t, err)

	dir := domain.FileAttributes{
		Name: []byte("tree"), Key: domain.InodeKey{Inode: 10, Device: 1},
		Dir: true, Mode: 0755, MTime: time.Now().Unix(),
	}
	require.NoError(t, sess.InsertFile(ctx, domain.RootInode, dir))

	// Two names for the same inode (a hard link pair) plus a symlink.
	linked := domain.InodeKey{Inode: 11, Device: 1}
	for _, name := range []string{"first", "second"} {
		require.NoError(t, sess.InsertFile(ctx, dir.Key, domain.FileAttributes{
			Name: []byte(name), Key: linked, Size: 6, Mode: 0644,
			MTime: time.Now().Unix(), NLinks: 2,
		}))
	}
	_, err = sess.AddFull(ctx, linked, bytes.NewReader([]byte("linked")))
	require.NoError(t, err)

	symlink := domain.InodeKey{Inode: 12, Device: 1}
	require.NoError(t, sess.InsertFile(ctx, dir.Key, domain.FileAttributes{
		Name: []byte("sym"), Key: symlink, Link: true, Mode: 0777,
		MTime: time.Now().Unix(), NLinks: 1,
	}))
	_, err = sess.AddLink(ctx, symlink, []byte("first"))
	require.NoError(t, err)
	require.NoError(t, sess.Finish(ctx))

	root, err := ds.Store().FileByPath(ctx, "/tree", sess.ID)
	require.NoError(t, err)

	outDir := t.TempDir()
	res, err := ds.Regenerator().RecoverSubtree(ctx, root, sess.ID, outDir, regen.RestoreOptions{
		Recurse:   true,
		Hardlinks: map[domain.InodeKey]string{},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Errors)
	assert.Equal(t, 1, res.Directories)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, 1, res.Links)

	first, err := os.Stat(filepath.Join(outDir, "tree", "first"))
	require.NoError(t, err)
	second, err := os.Stat(filepath.Join(outDir, "tree", "second"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(first, second))

	target, err := os.Readlink(filepath.Join(outDir, "tree", "sym"))
	require.NoError(t, err)
	assert.Equal(t, "first", target)

	out, err := os.ReadFile(filepath.Join(outDir, "tree", "first"))
	require.NoError(t, err)
	assert.Equal(t, []byte("linked"), out)
}

// TestDeltaChainLimit: once the chain reaches MaxDeltaChain the session
// demands full content.
func TestDeltaChainLimit(t *testing.T) {
	cfg := testConfig(t, true)
	ds := openTestDataset(t, cfg, "")
	ctx := context.Background()
	require.NoError(t, ds.Store().SetConfigValue(ctx, "MaxDeltaChain", "1"))
	require.NoError(t, ds.Close())

	// Reopen so the session coordinator picks up the tightened limit.
	ds2, err := Open(ctx, cfg, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer ds2.Close()

	v0 := bytes.Repeat([]byte{'q'}, 16*1024)
	v1 := append([]byte(nil), v0...)
	v1[0] = 'r'
	v2 := append([]byte(nil), v1...)
	v2[1] = 's'

	_, c0 := ingestTree(t, ds2, "b1", "a", "f", v0)
	_, c1, n := addDeltaVersion(t, ds2, "b2", c0, v1)
	assert.Equal(t, 1, n)

	sess, err := ds2.NewSession(ctx, "b3", 0, false, "client/1.0")
	require.NoError(t, err)
	sig, err := ds2.BasisSignature(ctx, c1)
	require.NoError(t, err)
	payload, err := delta.Delta(sig, bytes.NewReader(v2))
	require.NoError(t, err)

	_, err = sess.AddDelta(ctx, domain.InodeKey{Inode: 11, Device: 1},
		contentChecksum(ds2, v2), c1, int64(len(v2)), bytes.NewReader(payload))
	assert.ErrorIs(t, err, session.ErrFullRequired)
	assert.ErrorIs(t, err, domain.ErrChainTooLong)
	require.NoError(t, sess.Abort(ctx))
}

// TestDeduplication: identical content ingested twice stores one blob and
// one row.
func TestDeduplication(t *testing.T) {
	ds := openTestDataset(t, testConfig(t, true), "")
	ctx := context.Background()

	content := []byte("shared bytes")
	_, c1 := ingestTree(t, ds, "b1", "a", "f1", content)

	sess, err := ds.NewSession(ctx, "b2", 0, false, "client/1.0")
	require.NoError(t, err)
	other := domain.FileAttributes{
		Name: []byte("f2"), Key: domain.InodeKey{Inode: 99, Device: 1},
		Size: int64(len(content)), Mode: 0644, MTime: time.Now().Unix(),
	}
	require.NoError(t, sess.InsertFile(ctx, domain.RootInode, other))
	c2, err := sess.AddFull(ctx, other.Key, bytes.NewReader(content))
	require.NoError(t, err)
	require.NoError(t, sess.Finish(ctx))

	assert.Equal(t, c1, c2)
}

// TestIncompleteSetRecovery: an aborted session stays open and a later
// incomplete purge reclaims it without touching completed sets.
func TestIncompleteSetRecovery(t *testing.T) {
	ds := openTestDataset(t, testConfig(t, true), "")
	ctx := context.Background()

	done, _ := ingestTree(t, ds, "good", "a", "f", []byte("kept"))

	sess, err := ds.NewSession(ctx, "crashed", 0, false, "client/1.0")
	require.NoError(t, err)
	require.NoError(t, sess.InsertFile(ctx, domain.RootInode, domain.FileAttributes{
		Name: []byte("partial"), Key: domain.InodeKey{Inode: 77, Device: 1},
	}))
	require.NoError(t, sess.Abort(ctx))

	res, err := ds.Purger().PurgeIncomplete(ctx, 0, time.Now().Add(time.Hour), -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.SetsDeleted)

	_, err = ds.Store().BackupSetByID(ctx, done)
	assert.NoError(t, err)
	_, err = ds.Store().BackupSetByName(ctx, "crashed")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

// TestMoveKeys: wrapped keys travel between the store and a key file.
func TestMoveKeys(t *testing.T) {
	cfg := testConfig(t, true)
	ds := openTestDataset(t, cfg, "p@ss")
	ctx := context.Background()

	keyFile := filepath.Join(t.TempDir(), "keys.json")
	require.NoError(t, ds.MoveKeysToFile(ctx, keyFile))

	// Keys are gone from the store.
	f, c, err := ds.Store().Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, f)
	assert.Empty(t, c)

	require.NoError(t, ds.MoveKeysToStore(ctx, keyFile))
	f, c, err = ds.Store().Keys(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, f)
	assert.NotEmpty(t, c)
}
