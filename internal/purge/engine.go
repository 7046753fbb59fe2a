// Package purge deletes expired backup sets and reclaims the storage only
// they referenced, preserving every delta chain that surviving sets still
// depend on.
package purge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-backup/internal/domain"
	"github.com/prn-tf/alexander-backup/internal/metrics"
	"github.com/prn-tf/alexander-backup/internal/repository"
	"github.com/prn-tf/alexander-backup/internal/storage"
)

// checksumCachePrefix mirrors the regenerator's cache keying so purge can
// invalidate rows it deletes.
const checksumCachePrefix = "checksum:"

// Engine selects backup sets for deletion and reclaims their unique
// storage.
type Engine struct {
	store   repository.MetadataStore
	blobs   storage.Backend
	cache   repository.Cache
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New creates a purge engine. cache and m may be nil.
func New(store repository.MetadataStore, blobs storage.Backend, cache repository.Cache,
	m *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		blobs:   blobs,
		cache:   cache,
		metrics: m,
		logger:  logger,
	}
}

// Result counts what one purge invocation did.
type Result struct {
	SetsDeleted      int64
	FilesDeleted     int64
	ChecksumsDeleted int64
	BytesFreed       int64
	Rounds           int

	// Store sweep results.
	OrphanBlobsRemoved int
	MissingBlobs       int
}

// Purge deletes completed candidate sets and reclaims orphaned storage.
func (e *Engine) Purge(ctx context.Context, maxPriority int, before time.Time, keep int64) (Result, error) {
	return e.run(ctx, maxPriority, before, keep, false)
}

// PurgeIncomplete deletes abandoned incomplete sets and reclaims orphaned
// storage.
func (e *Engine) PurgeIncomplete(ctx context.Context, maxPriority int, before time.Time, keep int64) (Result, error) {
	return e.run(ctx, maxPriority, before, keep, true)
}

// run performs one purge: metadata deletion and checksum reclamation in a
// single transaction, then blob removal and the consistency sweep.
func (e *Engine) run(ctx context.Context, maxPriority int, before time.Time, keep int64, incomplete bool) (Result, error) {
	var res Result
	start := time.Now()

	if err := e.store.Begin(ctx); err != nil {
		return res, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = e.store.Rollback()
		}
	}()

	var err error
	if incomplete {
		res.FilesDeleted, res.SetsDeleted, err = e.store.PurgeIncomplete(ctx, maxPriority, before, keep)
	} else {
		res.FilesDeleted, res.SetsDeleted, err = e.store.PurgeSets(ctx, maxPriority, before, keep)
	}
	if err != nil {
		return res, err
	}

	// Reclaim checksums to a fixed point: deleting a chain tip can orphan
	// its basis, which the next round picks up.
	var reclaimed []string
	for {
		orphans, err := e.store.OrphanChecksums(ctx)
		if err != nil {
			return res, err
		}
		if len(orphans) == 0 {
			break
		}
		res.Rounds++
		for _, checksum := range orphans {
			if err := e.store.DeleteChecksum(ctx, checksum); err != nil {
				return res, err
			}
			reclaimed = append(reclaimed, checksum)
		}
	}
	res.ChecksumsDeleted = int64(len(reclaimed))

	if err := e.store.Commit(); err != nil {
		return res, err
	}
	committed = true

	// With the metadata committed, the blobs are garbage no matter what
	// happens below.
	for _, checksum := range reclaimed {
		if e.cache != nil {
			_ = e.cache.Delete(ctx, checksumCachePrefix+checksum)
		}
		if size, err := e.blobs.Size(ctx, checksum); err == nil {
			res.BytesFreed += size
		}
		if err := e.blobs.Remove(ctx, checksum); err != nil && !errors.Is(err, storage.ErrBlobNotFound) {
			e.logger.Warn().Err(err).Str("checksum", checksum).Msg("unable to remove reclaimed blob")
		}
	}

	sweep, err := e.RemoveOrphans(ctx)
	if err != nil {
		return res, err
	}
	res.OrphanBlobsRemoved = sweep.OrphanBlobsRemoved
	res.MissingBlobs = sweep.MissingBlobs
	res.BytesFreed += sweep.BytesFreed

	if e.metrics != nil {
		e.metrics.RecordPurge(time.Since(start).Seconds(),
			res.SetsDeleted, res.FilesDeleted, res.ChecksumsDeleted, res.BytesFreed, res.Rounds)
	}

	e.maybeVacuum(ctx)

	e.logger.Info().
		Int64("sets_deleted", res.SetsDeleted).
		Int64("files_deleted", res.FilesDeleted).
		Int64("checksums_deleted", res.ChecksumsDeleted).
		Int64("bytes_freed", res.BytesFreed).
		Int("rounds", res.Rounds).
		Msg("purge complete")
	return res, nil
}

// vacuumer is implemented by stores that can compact their backing file.
type vacuumer interface {
	Vacuum(ctx context.Context) error
}

// maybeVacuum compacts the metadata store once every VacuumInterval purge
// runs, tracking the run count in the Config table.
func (e *Engine) maybeVacuum(ctx context.Context) {
	v, ok := e.store.(vacuumer)
	if !ok {
		return
	}
	interval := 0
	if s, err := e.store.ConfigValue(ctx, "VacuumInterval"); err == nil {
		interval, _ = strconv.Atoi(s)
	}
	if interval <= 0 {
		return
	}

	count := 0
	if s, err := e.store.ConfigValue(ctx, "PurgesSinceVacuum"); err == nil {
		count, _ = strconv.Atoi(s)
	}
	count++
	if count < interval {
		_ = e.store.SetConfigValue(ctx, "PurgesSinceVacuum", strconv.Itoa(count))
		return
	}

	if err := v.Vacuum(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("vacuum failed")
		return
	}
	_ = e.store.SetConfigValue(ctx, "PurgesSinceVacuum", "0")
}

// RemoveOrphans reconciles the blob store against the checksum table in
// both directions: blobs without rows are removed, rows without blobs are
// reported but do not block.
func (e *Engine) RemoveOrphans(ctx context.Context) (Result, error) {
	var res Result

	err := e.blobs.Iterate(ctx, func(checksum string, size int64) error {
		_, err := e.store.ChecksumInfo(ctx, checksum)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if rerr := e.blobs.Remove(ctx, checksum); rerr != nil {
			if errors.Is(rerr, storage.ErrBlobNotFound) {
				return nil
			}
			return fmt.Errorf("failed to remove orphan blob %s: %w", checksum, rerr)
		}
		e.logger.Debug().Str("checksum", checksum).Int64("size", size).Msg("removed orphan blob")
		res.OrphanBlobsRemoved++
		res.BytesFreed += size
		return nil
	})
	if err != nil {
		return res, err
	}

	checksums, err := e.store.AllChecksums(ctx)
	if err != nil {
		return res, err
	}
	for _, checksum := range checksums {
		exists, err := e.blobs.Exists(ctx, checksum)
		if err != nil {
			return res, err
		}
		if !exists {
			e.logger.Warn().Str("checksum", checksum).Msg("checksum row has no blob on disk")
			res.MissingBlobs++
		}
	}

	if e.metrics != nil {
		e.metrics.OrphanBlobs.Set(float64(res.OrphanBlobsRemoved))
	}
	return res, nil
}
