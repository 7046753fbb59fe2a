// Package regen reconstructs file content from the blob store by walking
// delta chains, interleaving decryption, decompression and patch
// application into one lazy stream, and authenticating the result against
// its recorded checksum.
package regen

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-backup/internal/compress"
	"github.com/prn-tf/alexander-backup/internal/delta"
	"github.com/prn-tf/alexander-backup/internal/domain"
	"github.com/prn-tf/alexander-backup/internal/metrics"
	pkgcrypto "github.com/prn-tf/alexander-backup/internal/pkg/crypto"
	"github.com/prn-tf/alexander-backup/internal/repository"
	"github.com/prn-tf/alexander-backup/internal/storage"
)

// checksumCachePrefix keys cached ChecksumInfo rows.
const checksumCachePrefix = "checksum:"

// checksumCacheTTL bounds how long a cached row may be served.
const checksumCacheTTL = 5 * time.Minute

// Regenerator reconstructs content recorded in the metadata store.
type Regenerator struct {
	store   repository.MetadataStore
	blobs   storage.Backend
	env     *pkgcrypto.Envelope
	cache   repository.Cache
	metrics *metrics.Metrics
	tempDir string
	logger  zerolog.Logger
}

// New creates a regenerator. cache and m may be nil.
func New(store repository.MetadataStore, blobs storage.Backend, env *pkgcrypto.Envelope,
	cache repository.Cache, m *metrics.Metrics, tempDir string, logger zerolog.Logger) *Regenerator {
	return &Regenerator{
		store:   store,
		blobs:   blobs,
		env:     env,
		cache:   cache,
		metrics: m,
		tempDir: tempDir,
		logger:  logger,
	}
}

// stream is a reader with a stack of cleanup actions run on Close.
type stream struct {
	io.Reader
	closers []func() error
}

// Close runs the cleanup stack innermost-first.
func (s *stream) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// checksumInfo looks up a checksum row, consulting the cache first.
func (r *Regenerator) checksumInfo(ctx context.Context, checksum string) (*domain.ChecksumInfo, error) {
	if r.cache != nil {
		if data, err := r.cache.Get(ctx, checksumCachePrefix+checksum); err == nil {
			var info domain.ChecksumInfo
			if err := json.Unmarshal(data, &info); err == nil {
				if r.metrics != nil {
					r.metrics.RecordCacheAccess("checksum_info", true)
				}
				return &info, nil
			}
		} else if r.metrics != nil && errors.Is(err, repository.ErrCacheMiss) {
			r.metrics.RecordCacheAccess("checksum_info", false)
		}
	}

	info, err := r.store.ChecksumInfo(ctx, checksum)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if data, err := json.Marshal(info); err == nil {
			_ = r.cache.Set(ctx, checksumCachePrefix+checksum, data, checksumCacheTTL)
		}
	}
	return info, nil
}

// RecoverChecksum returns a lazy stream of the original content named by
// checksum. With authenticate set, the stream hashes everything read
// through it and fails with domain.ErrAuthenticationFailed at EOF when the
// digest does not match the checksum.
func (r *Regenerator) RecoverChecksum(ctx context.Context, checksum string, authenticate bool) (io.ReadCloser, error) {
	info, err := r.checksumInfo(ctx, checksum)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordRecover("checksum", "not_found", 0, -1)
		}
		return nil, err
	}

	rc, err := r.recover(ctx, info)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordRecover("checksum", "error", 0, -1)
		}
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.RecordRecover("checksum", "ok", info.Size, info.ChainLength)
	}

	if authenticate {
		return &AuthReader{
			source:   rc,
			hasher:   r.env.AuthHasher(),
			expected: checksum,
		}, nil
	}
	return rc, nil
}

// recover builds the decode pipeline for one checksum row.
func (r *Regenerator) recover(ctx context.Context, info *domain.ChecksumInfo) (io.ReadCloser, error) {
	if !info.IsDelta() {
		return r.openBlob(ctx, info)
	}

	// Delta blob: reconstruct the basis first, then patch through it.
	// librsync-style patching needs random access on the basis, so the
	// recursive reconstruction is materialized into a temp file.
	basisStream, err := r.RecoverChecksum(ctx, info.Basis, false)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, storage.ErrBlobNotFound) {
			return nil, fmt.Errorf("%w: basis %s of %s", domain.ErrBasisMissing, info.Basis, info.Checksum)
		}
		return nil, err
	}

	basisFile, basisCleanup, err := r.materialize(basisStream)
	if err != nil {
		_ = basisStream.Close()
		return nil, err
	}
	if cerr := basisStream.Close(); cerr != nil {
		_ = basisCleanup()
		return nil, cerr
	}

	deltaStream, err := r.openBlob(ctx, info)
	if err != nil {
		_ = basisCleanup()
		return nil, err
	}

	patcher, err := delta.Patch(basisFile, deltaStream)
	if err != nil {
		_ = deltaStream.Close()
		_ = basisCleanup()
		return nil, err
	}

	return &stream{
		Reader:  patcher,
		closers: []func() error{basisCleanup, deltaStream.Close},
	}, nil
}

// openBlob opens one blob and wraps it in decrypt and decompress stages.
// For a delta row the yielded bytes are the delta payload, not content.
func (r *Regenerator) openBlob(ctx context.Context, info *domain.ChecksumInfo) (io.ReadCloser, error) {
	blob, err := r.blobs.Get(ctx, info.Checksum)
	if err != nil {
		if errors.Is(err, storage.ErrBlobNotFound) {
			return nil, fmt.Errorf("%w: blob %s has a row but no data", domain.ErrCorruptBlob, info.Checksum)
		}
		return nil, err
	}

	var reader io.Reader = blob
	closers := []func() error{blob.Close}

	if len(info.IV) > 0 {
		reader, err = r.env.Decrypter(info.IV, reader)
		if err != nil {
			_ = blob.Close()
			return nil, err
		}
	}

	// The decrypted payload is truncated to the recorded logical size; for
	// compressed blobs the compression framing defines its own end.
	if !info.Compressed {
		limit := info.Size
		if info.IsDelta() {
			limit = info.DeltaSize
		}
		if limit > 0 {
			reader = io.LimitReader(reader, limit)
		}
	} else {
		dec, derr := compress.NewDecompressor(reader)
		if derr != nil {
			_ = blob.Close()
			return nil, fmt.Errorf("%w: %v", domain.ErrCorruptBlob, derr)
		}
		reader = dec
		closers = append(closers, dec.Close)
	}

	return &stream{Reader: reader, closers: closers}, nil
}

// materialize spools a stream into a temp file and returns it positioned
// at the start, with a cleanup closing and removing it.
func (r *Regenerator) materialize(source io.Reader) (*os.File, func() error, error) {
	f, err := os.CreateTemp(r.tempDir, "basis-*")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create basis temp file: %w", err)
	}
	cleanup := func() error {
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	}

	if _, err := io.Copy(f, source); err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("failed to materialize basis: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = cleanup()
		return nil, nil, fmt.Errorf("failed to rewind basis: %w", err)
	}
	return f, cleanup, nil
}

// RecoverFile resolves a path at a backup set and returns its content
// stream. Path components are encrypted before lookup when the dataset is
// encrypted; perm applies optional POSIX visibility checks on the walk.
func (r *Regenerator) RecoverFile(ctx context.Context, path string, bset int64, perm repository.PermChecker, authenticate bool) (io.ReadCloser, error) {
	actualPath, err := r.env.EncryptPath(path)
	if err != nil {
		return nil, err
	}

	checksum, err := r.store.ChecksumByPath(ctx, actualPath, bset, perm)
	if err != nil {
		if r.metrics != nil {
			r.metrics.RecordRecover("file", "not_found", 0, -1)
		}
		return nil, err
	}
	return r.RecoverChecksum(ctx, checksum, authenticate)
}

// AuthReader hashes everything read through it and verifies the digest
// against the expected checksum when the stream ends.
type AuthReader struct {
	source   io.ReadCloser
	hasher   hash.Hash
	expected string
	digest   string
	failed   bool
}

// Read implements io.Reader.
func (a *AuthReader) Read(p []byte) (int, error) {
	n, err := a.source.Read(p)
	if n > 0 {
		a.hasher.Write(p[:n])
	}
	if err == io.EOF {
		a.digest = hex.EncodeToString(a.hasher.Sum(nil))
		if a.digest != a.expected {
			a.failed = true
			return n, fmt.Errorf("%w: expected %s, got %s", domain.ErrAuthenticationFailed, a.expected, a.digest)
		}
	}
	return n, err
}

// Close closes the underlying stream.
func (a *AuthReader) Close() error {
	return a.source.Close()
}

// Digest returns the computed hex digest, available once the stream has
// been fully read.
func (a *AuthReader) Digest() string {
	return a.digest
}

// Failed reports whether authentication failed.
func (a *AuthReader) Failed() bool {
	return a.failed
}
