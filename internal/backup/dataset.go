// Package backup assembles the engine: it opens or creates a client
// dataset and wires the metadata store, blob store, crypto envelope,
// cache, metrics, session coordinator, regenerator and purge engine into
// one handle.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	cachememory "github.com/prn-tf/alexander-backup/internal/cache/memory"
	cacheredis "github.com/prn-tf/alexander-backup/internal/cache/redis"
	"github.com/prn-tf/alexander-backup/internal/config"
	"github.com/prn-tf/alexander-backup/internal/delta"
	"github.com/prn-tf/alexander-backup/internal/domain"
	"github.com/prn-tf/alexander-backup/internal/lock"
	"github.com/prn-tf/alexander-backup/internal/metrics"
	pkgcrypto "github.com/prn-tf/alexander-backup/internal/pkg/crypto"
	"github.com/prn-tf/alexander-backup/internal/purge"
	"github.com/prn-tf/alexander-backup/internal/regen"
	"github.com/prn-tf/alexander-backup/internal/repository"
	"github.com/prn-tf/alexander-backup/internal/repository/sqlite"
	"github.com/prn-tf/alexander-backup/internal/session"
	"github.com/prn-tf/alexander-backup/internal/storage/filesystem"
)

// handleTTL bounds how long a crashed handle can keep a dataset locked.
const handleTTL = 24 * time.Hour

// datasetLocks guards against two writer handles on one dataset within a
// process; the database file's own locking guards across processes.
var datasetLocks = lock.NewMemoryLocker()

// ErrDatasetLocked indicates another handle holds the dataset open.
var ErrDatasetLocked = errors.New("dataset is locked by another handle")

// Options configures opening a dataset.
type Options struct {
	// Create initializes a fresh dataset when none exists.
	Create bool

	// Password enables encryption; empty opens a plaintext dataset.
	Password string

	// Metrics may be nil.
	Metrics *metrics.Metrics

	// Logger for all components.
	Logger zerolog.Logger
}

// Dataset is one open client dataset.
type Dataset struct {
	cfg     *config.Config
	base    string
	tempDir string
	logger  zerolog.Logger

	store       repository.MetadataStore
	blobs       *filesystem.Storage
	env         *pkgcrypto.Envelope
	cache       repository.Cache
	memCache    *cachememory.Cache
	redisClient *cacheredis.Client
	metrics     *metrics.Metrics

	regenerator *regen.Regenerator
	coordinator *session.Coordinator
	purger      *purge.Engine
}

// Open opens (or creates) the dataset named by cfg.Client under cfg.Root.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Dataset, error) {
	if cfg.Client == "" {
		return nil, errors.New("no client name configured")
	}
	base := filepath.Join(cfg.Root, cfg.Client)
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = filepath.Join(base, "tmp")
	}

	logger := opts.Logger.With().Str("client", cfg.Client).Logger()

	ok, err := datasetLocks.Acquire(ctx, base, handleTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatasetLocked, base)
	}

	d := &Dataset{
		cfg:     cfg,
		base:    base,
		tempDir: tempDir,
		logger:  logger,
		metrics: opts.Metrics,
	}
	success := false
	defer func() {
		if !success {
			d.release(ctx)
		}
	}()

	d.blobs, err = filesystem.NewStorage(filesystem.Config{DataDir: base, TempDir: tempDir}, logger)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.Open(ctx, filepath.Join(base, cfg.DBName), sqlite.Options{
		Create:            opts.Create,
		BackupOnOpen:      cfg.BackupDBOnOpen,
		ChecksumAlgorithm: cfg.ChecksumAlgorithm,
	}, logger)
	if err != nil {
		return nil, err
	}
	d.store = store

	if err := d.setupCrypto(ctx, opts); err != nil {
		_ = store.Close()
		return nil, err
	}

	if err := d.setupCache(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	d.regenerator = regen.New(d.store, d.blobs, d.env, d.cache, d.metrics, tempDir, logger)
	d.coordinator, err = session.New(ctx, d.store, d.blobs, d.env, d.metrics, tempDir, cfg.Compress, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	d.purger = purge.New(d.store, d.blobs, d.cache, d.metrics, logger)

	success = true
	logger.Info().Str("base", base).Bool("encrypted", d.env.Enabled()).Msg("dataset opened")
	return d, nil
}

// setupCrypto builds the envelope for the dataset's encryption state and
// authenticates the handle.
func (d *Dataset) setupCrypto(ctx context.Context, opts Options) error {
	algorithm := pkgcrypto.DefaultAlgorithm
	if v, err := d.store.ConfigValue(ctx, "ChecksumAlgorithm"); err == nil {
		algorithm = v
	}

	salt, verifier, err := d.store.SrpValues(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	hasVerifier := len(verifier) > 0

	if opts.Password == "" {
		if hasVerifier {
			return fmt.Errorf("%w: dataset is encrypted", domain.ErrNotAuthenticated)
		}
		d.env, err = pkgcrypto.NewEnvelope(algorithm)
		return err
	}

	if hasVerifier {
		// Existing encrypted dataset: derive the master key from the
		// stored salt, verify the password, unwrap the data keys.
		d.env, err = pkgcrypto.NewEnvelopeWithPassword(algorithm, opts.Password, d.cfg.Client, salt)
		if err != nil {
			return err
		}
		if err := d.store.Authenticate(ctx, d.cfg.Client, opts.Password); err != nil {
			if d.metrics != nil {
				d.metrics.AuthAttemptsTotal.WithLabelValues("failed").Inc()
			}
			return err
		}
		if d.metrics != nil {
			d.metrics.AuthAttemptsTotal.WithLabelValues("ok").Inc()
		}

		filenameKey, contentKey, err := d.loadWrappedKeys(ctx)
		if err != nil {
			return err
		}
		return d.env.SetWrappedKeys(filenameKey, contentKey)
	}

	if !opts.Create {
		return fmt.Errorf("dataset has no password set; open it without one")
	}

	// Fresh encrypted dataset: generate keys and persist the wrapped pair
	// and the password verifier.
	d.env, err = pkgcrypto.NewEnvelopeWithPassword(algorithm, opts.Password, d.cfg.Client, nil)
	if err != nil {
		return err
	}
	if err := d.env.GenerateKeys(); err != nil {
		return err
	}
	filenameKey, contentKey, err := d.env.WrappedKeys()
	if err != nil {
		return err
	}
	// The KDF salt doubles as the verifier salt.
	vval := pkgcrypto.VerifierForSalt(opts.Password, d.cfg.Client, d.env.Salt())

	if d.cfg.KeyFile != "" {
		clientID, err := d.store.ClientID(ctx)
		if err != nil {
			return err
		}
		if err := d.store.SetKeys(ctx, d.env.Salt(), vval, "", ""); err != nil {
			return err
		}
		if err := pkgcrypto.SaveKeys(d.cfg.KeyFile, clientID, filenameKey, contentKey); err != nil {
			return err
		}
	} else {
		if err := d.store.SetKeys(ctx, d.env.Salt(), vval, filenameKey, contentKey); err != nil {
			return err
		}
	}

	return d.store.Authenticate(ctx, d.cfg.Client, opts.Password)
}

// loadWrappedKeys fetches the wrapped key pair from the store or the
// external key file.
func (d *Dataset) loadWrappedKeys(ctx context.Context) (string, string, error) {
	if d.cfg.KeyFile != "" {
		clientID, err := d.store.ClientID(ctx)
		if err != nil {
			return "", "", err
		}
		return pkgcrypto.LoadKeys(d.cfg.KeyFile, clientID)
	}
	return d.store.Keys(ctx)
}

// setupCache selects the Redis cache when configured, the in-process one
// otherwise.
func (d *Dataset) setupCache(ctx context.Context) error {
	if d.cfg.Redis.Enabled {
		client, err := cacheredis.NewClient(ctx, d.cfg.Redis, d.logger)
		if err != nil {
			return err
		}
		d.redisClient = client
		d.cache = cacheredis.NewCache(client, 0)
		return nil
	}
	d.memCache = cachememory.NewCache()
	d.cache = d.memCache
	return nil
}

// Store exposes the metadata store.
func (d *Dataset) Store() repository.MetadataStore {
	return d.store
}

// Blobs exposes the blob store.
func (d *Dataset) Blobs() *filesystem.Storage {
	return d.blobs
}

// Envelope exposes the crypto envelope.
func (d *Dataset) Envelope() *pkgcrypto.Envelope {
	return d.env
}

// Regenerator exposes the regeneration pipeline.
func (d *Dataset) Regenerator() *regen.Regenerator {
	return d.regenerator
}

// Purger exposes the purge engine.
func (d *Dataset) Purger() *purge.Engine {
	return d.purger
}

// NewSession opens a backup set and returns its session handle.
func (d *Dataset) NewSession(ctx context.Context, name string, priority int, full bool, clientVersion string) (*session.Session, error) {
	return d.coordinator.Begin(ctx, name, priority, full, clientVersion)
}

// BasisSignature reconstructs stored content and returns the delta block
// signature a client diffs the next version against.
func (d *Dataset) BasisSignature(ctx context.Context, checksum string) ([]byte, error) {
	content, err := d.regenerator.RecoverChecksum(ctx, checksum, false)
	if err != nil {
		return nil, err
	}
	defer content.Close()
	return delta.Signature(content)
}

// MoveKeysToFile extracts the wrapped keys from the store into an external
// key file, clearing them from the Keys row.
func (d *Dataset) MoveKeysToFile(ctx context.Context, path string) error {
	filenameKey, contentKey, err := d.store.Keys(ctx)
	if err != nil {
		return err
	}
	if filenameKey == "" || contentKey == "" {
		return fmt.Errorf("%w: no keys stored in dataset", domain.ErrNotFound)
	}
	clientID, err := d.store.ClientID(ctx)
	if err != nil {
		return err
	}
	if err := pkgcrypto.SaveKeys(path, clientID, filenameKey, contentKey); err != nil {
		return err
	}
	salt, verifier, err := d.store.SrpValues(ctx)
	if err != nil {
		return err
	}
	return d.store.SetKeys(ctx, salt, verifier, "", "")
}

// MoveKeysToStore inserts wrapped keys from an external key file back into
// the Keys row and removes them from the file.
func (d *Dataset) MoveKeysToStore(ctx context.Context, path string) error {
	clientID, err := d.store.ClientID(ctx)
	if err != nil {
		return err
	}
	filenameKey, contentKey, err := pkgcrypto.LoadKeys(path, clientID)
	if err != nil {
		return err
	}
	salt, verifier, err := d.store.SrpValues(ctx)
	if err != nil {
		return err
	}
	if err := d.store.SetKeys(ctx, salt, verifier, filenameKey, contentKey); err != nil {
		return err
	}
	return pkgcrypto.SaveKeys(path, clientID, "", "")
}

// TempDir returns the spool directory for this dataset.
func (d *Dataset) TempDir() string {
	return d.tempDir
}

// release frees the in-process lock and any cache resources.
func (d *Dataset) release(ctx context.Context) {
	if d.memCache != nil {
		d.memCache.Stop()
	}
	if d.redisClient != nil {
		_ = d.redisClient.Close()
	}
	_, _ = datasetLocks.Release(ctx, d.base)
}

// Close releases the handle.
func (d *Dataset) Close() error {
	ctx := context.Background()
	var err error
	if d.store != nil {
		err = d.store.Close()
	}
	d.release(ctx)
	d.logger.Info().Msg("dataset closed")
	return err
}

// CleanTempDir removes leftover spool files older than the given age.
func (d *Dataset) CleanTempDir(maxAge time.Duration) error {
	entries, err := os.ReadDir(d.tempDir)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(d.tempDir, e.Name()))
		}
	}
	return nil
}

// CopyContent is a convenience streaming a recovered checksum to a writer,
// returning the byte count.
func (d *Dataset) CopyContent(ctx context.Context, checksum string, w io.Writer, authenticate bool) (int64, error) {
	rc, err := d.regenerator.RecoverChecksum(ctx, checksum, authenticate)
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	return io.Copy(w, rc)
}
