// Package filesystem provides a filesystem-based blob storage backend.
package filesystem

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-backup/internal/domain"
	"github.com/prn-tf/alexander-backup/internal/storage"
)

const (
	// shardCount is the number of lock shards (256 = one per first byte of hash).
	shardCount = 256
)

// shardedLock provides fine-grained locking based on checksum.
// Instead of a global lock, we use 256 independent locks (one per hash prefix).
// This allows concurrent operations on different blobs.
type shardedLock struct {
	locks [shardCount]sync.RWMutex
}

// shardIndex returns the shard index for a given checksum.
func (sl *shardedLock) shardIndex(checksum string) int {
	if len(checksum) < 2 {
		return 0
	}
	b, err := hex.DecodeString(checksum[:2])
	if err != nil || len(b) == 0 {
		return 0
	}
	return int(b[0])
}

// Lock acquires write lock for the given checksum shard.
func (sl *shardedLock) Lock(checksum string) {
	sl.locks[sl.shardIndex(checksum)].Lock()
}

// Unlock releases write lock for the given checksum shard.
func (sl *shardedLock) Unlock(checksum string) {
	sl.locks[sl.shardIndex(checksum)].Unlock()
}

// RLock acquires read lock for the given checksum shard.
func (sl *shardedLock) RLock(checksum string) {
	sl.locks[sl.shardIndex(checksum)].RLock()
}

// RUnlock releases read lock for the given checksum shard.
func (sl *shardedLock) RUnlock(checksum string) {
	sl.locks[sl.shardIndex(checksum)].RUnlock()
}

// Storage implements storage.Backend using the local filesystem.
// Blobs live under dataDir in a 2-level sharded tree: dataDir/ab/cd/abcd...
// Uses sharded locking for high-concurrency blob operations.
type Storage struct {
	dataDir string
	tempDir string
	logger  zerolog.Logger
	shards  shardedLock
	tempMu  sync.Mutex // Only for temp file creation
}

// Config holds configuration for the filesystem storage.
type Config struct {
	DataDir string
	TempDir string
}

// NewStorage creates a new filesystem storage backend.
func NewStorage(cfg Config, logger zerolog.Logger) (*Storage, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	dataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for data dir: %w", err)
	}
	tempDir, err := filepath.Abs(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for temp dir: %w", err)
	}

	logger.Info().
		Str("data_dir", dataDir).
		Str("temp_dir", tempDir).
		Msg("filesystem storage initialized")

	return &Storage{
		dataDir: dataDir,
		tempDir: tempDir,
		logger:  logger,
	}, nil
}

// blobPath maps a checksum to its on-disk location.
func (s *Storage) blobPath(checksum string) string {
	return domain.BlobPath(s.dataDir, checksum)
}

// Put stores content from the reader under the given checksum.
// The content is first written to a temp file, then moved to its final
// location, so a crash never leaves a partial blob at the final path.
// Storing an already-present checksum is a no-op.
func (s *Storage) Put(ctx context.Context, checksum string, reader io.Reader) (int64, error) {
	if len(checksum) < 4 {
		return 0, storage.ErrInvalidChecksum
	}

	// Phase 1: write to a temp file without holding any shard lock.
	s.tempMu.Lock()
	tempFile, err := os.CreateTemp(s.tempDir, "ingest-*")
	s.tempMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	written, err := io.Copy(tempFile, reader)
	if err != nil {
		_ = tempFile.Close()
		return 0, fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	// Phase 2: acquire the shard lock and rename into place.
	s.shards.Lock(checksum)
	defer s.shards.Unlock(checksum)

	fullPath := s.blobPath(checksum)

	if _, err := os.Stat(fullPath); err == nil {
		// Blob already exists, just remove temp file.
		_ = os.Remove(tempPath)
		s.logger.Debug().
			Str("checksum", checksum).
			Msg("blob already exists, skipping storage")
		success = true
		return written, nil
	}

	targetDir := filepath.Dir(fullPath)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create target directory: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		// If rename fails (cross-device), fall back to copy.
		if err := copyFile(tempPath, fullPath); err != nil {
			return 0, fmt.Errorf("failed to move file to storage: %w", err)
		}
		_ = os.Remove(tempPath)
	}

	s.logger.Debug().
		Str("checksum", checksum).
		Str("storage_path", fullPath).
		Int64("size", written).
		Msg("blob stored")

	success = true
	return written, nil
}

// Get returns a reader for the blob with the given checksum.
func (s *Storage) Get(ctx context.Context, checksum string) (io.ReadCloser, error) {
	return s.GetSeekable(ctx, checksum)
}

// GetSeekable returns an open file handle for the blob, for consumers that
// need random access on it.
func (s *Storage) GetSeekable(ctx context.Context, checksum string) (*os.File, error) {
	s.shards.RLock(checksum)
	defer s.shards.RUnlock(checksum)

	file, err := os.Open(s.blobPath(checksum))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return file, nil
}

// Remove deletes a blob from storage.
func (s *Storage) Remove(ctx context.Context, checksum string) error {
	s.shards.Lock(checksum)
	defer s.shards.Unlock(checksum)

	fullPath := s.blobPath(checksum)

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrBlobNotFound
		}
		return fmt.Errorf("failed to delete blob: %w", err)
	}

	s.cleanupEmptyDirs(filepath.Dir(fullPath))

	s.logger.Debug().
		Str("checksum", checksum).
		Msg("blob deleted")

	return nil
}

// Exists checks if a blob exists in storage.
func (s *Storage) Exists(ctx context.Context, checksum string) (bool, error) {
	s.shards.RLock(checksum)
	defer s.shards.RUnlock(checksum)

	_, err := os.Stat(s.blobPath(checksum))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check blob existence: %w", err)
	}
	return true, nil
}

// Size returns the on-disk size of a blob in bytes.
func (s *Storage) Size(ctx context.Context, checksum string) (int64, error) {
	s.shards.RLock(checksum)
	defer s.shards.RUnlock(checksum)

	info, err := os.Stat(s.blobPath(checksum))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, storage.ErrBlobNotFound
		}
		return 0, fmt.Errorf("failed to get blob size: %w", err)
	}
	return info.Size(), nil
}

// Iterate walks the shard tree and reports every stored checksum. The walk
// skips foreign files (temp files, stray metadata) that do not sit at a
// sharded blob path matching their own name.
func (s *Storage) Iterate(ctx context.Context, fn func(checksum string, size int64) error) error {
	return filepath.WalkDir(s.dataDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		name := d.Name()
		rel, relErr := filepath.Rel(s.dataDir, path)
		if relErr != nil {
			return relErr
		}
		// A blob path is exactly AA/BB/<checksum> with matching prefixes.
		parts := splitPath(rel)
		if len(parts) != 3 || len(name) < 4 || name[0:2] != parts[0] || name[2:4] != parts[1] {
			return nil
		}

		info, infoErr := d.Info()
		if infoErr != nil {
			return infoErr
		}
		return fn(name, info.Size())
	})
}

// GetDataDir returns the data directory path.
func (s *Storage) GetDataDir() string {
	return s.dataDir
}

// GetTempDir returns the temp directory path.
func (s *Storage) GetTempDir() string {
	return s.tempDir
}

// cleanupEmptyDirs removes empty parent directories up to the data directory.
func (s *Storage) cleanupEmptyDirs(dir string) {
	for dir != s.dataDir && dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	_, err = io.Copy(destFile, sourceFile)
	return err
}

func splitPath(rel string) []string {
	var parts []string
	for rel != "" {
		dir, file := filepath.Split(rel)
		parts = append([]string{file}, parts...)
		rel = filepath.Clean(dir)
		if rel == "." || rel == string(filepath.Separator) {
			break
		}
	}
	return parts
}

// HealthCheck verifies the storage backend is accessible.
func (s *Storage) HealthCheck(ctx context.Context) error {
	if _, err := os.Stat(s.dataDir); err != nil {
		return fmt.Errorf("data directory not accessible: %w", err)
	}
	if _, err := os.Stat(s.tempDir); err != nil {
		return fmt.Errorf("temp directory not accessible: %w", err)
	}

	testPath := filepath.Join(s.tempDir, ".health-check")
	if err := os.WriteFile(testPath, []byte("ok"), 0644); err != nil {
		return fmt.Errorf("failed to write test file: %w", err)
	}
	if err := os.Remove(testPath); err != nil {
		return fmt.Errorf("failed to remove test file: %w", err)
	}
	return nil
}

// Ensure Storage implements storage.Backend
var _ storage.Backend = (*Storage)(nil)
