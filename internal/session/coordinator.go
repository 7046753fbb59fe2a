// Package session coordinates one backup run: it opens a backup set,
// accepts file, link and content submissions, deduplicates against stored
// checksums, enforces the delta-chain limits, and finalizes or abandons
// the set.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/alexander-backup/internal/compress"
	"github.com/prn-tf/alexander-backup/internal/domain"
	"github.com/prn-tf/alexander-backup/internal/metrics"
	pkgcrypto "github.com/prn-tf/alexander-backup/internal/pkg/crypto"
	"github.com/prn-tf/alexander-backup/internal/repository"
	"github.com/prn-tf/alexander-backup/internal/storage"
)

// ErrFullRequired is returned when a delta submission is refused and the
// caller must resubmit the file as full content: either the delta chain
// reached MaxDeltaChain or the delta exceeded MaxChangePercent of the
// file's size.
var ErrFullRequired = errors.New("full content required")

// Coordinator opens backup sessions against one dataset.
type Coordinator struct {
	store   repository.MetadataStore
	blobs   storage.Backend
	env     *pkgcrypto.Envelope
	metrics *metrics.Metrics
	tempDir string
	logger  zerolog.Logger

	compressContent  bool
	maxDeltaChain    int
	maxChangePercent int
}

// New creates a session coordinator, reading the dataset tunables from the
// metadata store's Config table. m may be nil.
func New(ctx context.Context, store repository.MetadataStore, blobs storage.Backend,
	env *pkgcrypto.Envelope, m *metrics.Metrics, tempDir string, compressContent bool,
	logger zerolog.Logger) (*Coordinator, error) {

	c := &Coordinator{
		store:            store,
		blobs:            blobs,
		env:              env,
		metrics:          m,
		tempDir:          tempDir,
		logger:           logger,
		compressContent:  compressContent,
		maxDeltaChain:    5,
		maxChangePercent: 50,
	}
	if v, err := store.ConfigValue(ctx, "MaxDeltaChain"); err == nil {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.maxDeltaChain = n
		}
	}
	if v, err := store.ConfigValue(ctx, "MaxChangePercent"); err == nil {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 && n <= 100 {
			c.maxChangePercent = n
		}
	}
	return c, nil
}

// Session is one open backup set accepting submissions.
type Session struct {
	c    *Coordinator
	ID   int64
	Name string
	UUID string

	filesFull     int64
	filesDelta    int64
	bytesReceived int64
	finished      bool
}

// Begin opens a new backup set and returns the session handle.
func (c *Coordinator) Begin(ctx context.Context, name string, priority int, full bool, clientVersion string) (*Session, error) {
	sessionID := uuid.NewString()
	id, err := c.store.NewBackupSet(ctx, name, sessionID, priority, full, clientVersion)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.BackupSetsTotal.Inc()
	}
	return &Session{c: c, ID: id, Name: name, UUID: sessionID}, nil
}

// encryptAttrs returns a copy of attrs with the filename encrypted for
// storage.
func (s *Session) encryptAttrs(attrs domain.FileAttributes) (domain.FileAttributes, error) {
	enc, err := s.c.env.EncryptFilename(attrs.Name)
	if err != nil {
		return attrs, err
	}
	attrs.Name = enc
	return attrs, nil
}

// InsertFile records one file version row. The filename is encrypted on
// the way in when the dataset is encrypted.
func (s *Session) InsertFile(ctx context.Context, parent domain.InodeKey, attrs domain.FileAttributes) error {
	attrs, err := s.encryptAttrs(attrs)
	if err != nil {
		return err
	}
	return s.c.store.InsertFile(ctx, s.ID, parent, attrs)
}

// InsertFiles bulk-inserts file rows in one transaction.
func (s *Session) InsertFiles(ctx context.Context, parent domain.InodeKey, files []domain.FileAttributes) error {
	encrypted := make([]domain.FileAttributes, len(files))
	for i, attrs := range files {
		var err error
		if encrypted[i], err = s.encryptAttrs(attrs); err != nil {
			return err
		}
	}
	return s.c.store.InsertFiles(ctx, s.ID, parent, encrypted)
}

// CloneDirectory copies a directory's unchanged children from an earlier
// set into this one.
func (s *Session) CloneDirectory(ctx context.Context, parent domain.InodeKey, fromBset int64) (int64, error) {
	return s.c.store.CloneDirectory(ctx, parent, fromBset, s.ID)
}

// spoolBlob runs content through the hash/compress/encrypt pipeline into a
// temp file. The caller owns the returned file and must call cleanup.
func (s *Session) spoolBlob(content io.Reader, hash bool) (*compress.Reader, []byte, *os.File, func(), error) {
	opts := compress.Options{Compress: s.c.compressContent}
	if hash {
		opts.Hasher = s.c.env.AuthHasher()
	}
	cr, err := compress.NewReader(content, opts)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	iv, err := s.c.env.NewIV()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	enc, err := s.c.env.Encrypter(iv, cr)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	tmp, err := os.CreateTemp(s.c.tempDir, "session-*")
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("failed to create spool file: %w", err)
	}
	cleanup := func() {
		name := tmp.Name()
		_ = tmp.Close()
		_ = os.Remove(name)
	}

	if _, err := io.Copy(tmp, enc); err != nil {
		cleanup()
		return nil, nil, nil, nil, fmt.Errorf("failed to spool content: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return nil, nil, nil, nil, fmt.Errorf("failed to rewind spool file: %w", err)
	}
	return cr, iv, tmp, cleanup, nil
}

// AddFull ingests full content for a file, returning its checksum. The
// checksum is computed server-side while the content streams through.
// Resubmitting already-stored content deduplicates to the existing row.
func (s *Session) AddFull(ctx context.Context, key domain.InodeKey, content io.Reader) (string, error) {
	checksum, err := s.addFullBlob(ctx, content, true)
	if err != nil {
		return "", err
	}
	if err := s.c.store.SetChecksumForFile(ctx, key, s.ID, checksum); err != nil {
		return "", err
	}
	return checksum, nil
}

// AddLink ingests a symlink target as the entry's content blob.
func (s *Session) AddLink(ctx context.Context, key domain.InodeKey, target []byte) (string, error) {
	return s.AddFull(ctx, key, bytes.NewReader(target))
}

// AddXattrs ingests a serialized extended-attributes blob and attaches it.
func (s *Session) AddXattrs(ctx context.Context, key domain.InodeKey, payload io.Reader) (string, error) {
	checksum, err := s.addFullBlob(ctx, payload, false)
	if err != nil {
		return "", err
	}
	if err := s.c.store.SetXattrsForFile(ctx, key, s.ID, checksum); err != nil {
		return "", err
	}
	return checksum, nil
}

// AddACL ingests a serialized ACL blob and attaches it.
func (s *Session) AddACL(ctx context.Context, key domain.InodeKey, payload io.Reader) (string, error) {
	checksum, err := s.addFullBlob(ctx, payload, false)
	if err != nil {
		return "", err
	}
	if err := s.c.store.SetACLForFile(ctx, key, s.ID, checksum); err != nil {
		return "", err
	}
	return checksum, nil
}

// addFullBlob stores one full (basis-less) blob and its checksum row.
func (s *Session) addFullBlob(ctx context.Context, content io.Reader, isFile bool) (string, error) {
	cr, iv, tmp, cleanup, err := s.spoolBlob(content, true)
	if err != nil {
		return "", err
	}
	defer cleanup()

	checksum := cr.Checksum()

	// Deduplicate: the content is already in the store.
	if _, err := s.c.store.ChecksumInfo(ctx, checksum); err == nil {
		s.logger().Debug().Str("checksum", checksum).Msg("content already stored, deduplicated")
		return checksum, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return "", err
	}

	diskSize, err := s.c.blobs.Put(ctx, checksum, tmp)
	if err != nil {
		return "", err
	}

	if _, err := s.c.store.InsertChecksum(ctx, domain.ChecksumInfo{
		Checksum:   checksum,
		Size:       cr.TotalSize(),
		DiskSize:   diskSize,
		Compressed: cr.IsCompressed(),
		Encrypted:  iv != nil,
		IV:         iv,
		IsFile:     isFile,
	}); err != nil {
		return "", err
	}

	s.filesFull++
	s.bytesReceived += cr.TotalSize()
	if s.c.metrics != nil {
		s.c.metrics.RecordIngest("full", cr.TotalSize())
	}
	return checksum, nil
}

// AddDelta ingests a binary delta against a stored basis. The content
// checksum and logical size come from the client, which hashed the full
// content it diffed. ErrFullRequired when the chain or change-size limits
// demand full content instead; the caller resubmits through AddFull.
func (s *Session) AddDelta(ctx context.Context, key domain.InodeKey, checksum, basis string, logicalSize int64, deltaPayload io.Reader) (int, error) {
	// Deduplicate before doing any work.
	if info, err := s.c.store.ChecksumInfo(ctx, checksum); err == nil {
		if err := s.c.store.SetChecksumForFile(ctx, key, s.ID, checksum); err != nil {
			return 0, err
		}
		return info.ChainLength, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return 0, err
	}

	basisInfo, err := s.c.store.ChecksumInfo(ctx, basis)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, fmt.Errorf("%w: basis %s", domain.ErrBasisMissing, basis)
		}
		return 0, err
	}

	if basisInfo.ChainLength+1 > s.c.maxDeltaChain {
		if s.c.metrics != nil {
			s.c.metrics.IngestDeltaRejected.Inc()
		}
		return 0, fmt.Errorf("%w: %w: chain would reach %d", ErrFullRequired,
			domain.ErrChainTooLong, basisInfo.ChainLength+1)
	}

	cr, iv, tmp, cleanup, err := s.spoolBlob(deltaPayload, false)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	deltaSize := cr.TotalSize()
	if s.c.maxChangePercent < 100 && logicalSize > 0 &&
		deltaSize*100 > logicalSize*int64(s.c.maxChangePercent) {
		if s.c.metrics != nil {
			s.c.metrics.IngestDeltaRejected.Inc()
		}
		return 0, fmt.Errorf("%w: delta is %d bytes against a %d byte file",
			ErrFullRequired, deltaSize, logicalSize)
	}

	diskSize, err := s.c.blobs.Put(ctx, checksum, tmp)
	if err != nil {
		return 0, err
	}

	chainLength, err := s.c.store.InsertChecksum(ctx, domain.ChecksumInfo{
		Checksum:   checksum,
		Size:       logicalSize,
		Basis:      basis,
		DeltaSize:  deltaSize,
		DiskSize:   diskSize,
		Compressed: cr.IsCompressed(),
		Encrypted:  iv != nil,
		IV:         iv,
		IsFile:     true,
	})
	if err != nil {
		if errors.Is(err, domain.ErrChainTooLong) {
			return 0, fmt.Errorf("%w: %w", ErrFullRequired, err)
		}
		return 0, err
	}

	if err := s.c.store.SetChecksumForFile(ctx, key, s.ID, checksum); err != nil {
		return 0, err
	}

	s.filesDelta++
	s.bytesReceived += deltaSize
	if s.c.metrics != nil {
		s.c.metrics.RecordIngest("delta", deltaSize)
	}
	return chainLength, nil
}

// Finish flushes the session counters and marks the backup set complete.
func (s *Session) Finish(ctx context.Context) error {
	if s.finished {
		return nil
	}
	if err := s.c.store.AddBackupSetCounts(ctx, s.ID, s.filesFull, s.filesDelta, s.bytesReceived); err != nil {
		return err
	}
	if err := s.c.store.CompleteBackupSet(ctx, s.ID); err != nil {
		return err
	}
	s.finished = true
	s.logger().Info().
		Int64("backup_set", s.ID).
		Int64("files_full", s.filesFull).
		Int64("files_delta", s.filesDelta).
		Int64("bytes_received", s.bytesReceived).
		Msg("backup session finished")
	return nil
}

// Abort abandons the session. The set stays open in the store; a later
// incomplete-set purge reclaims it.
func (s *Session) Abort(ctx context.Context) error {
	if s.finished {
		return nil
	}
	s.finished = true
	if err := s.c.store.AddBackupSetCounts(ctx, s.ID, s.filesFull, s.filesDelta, s.bytesReceived); err != nil {
		return err
	}
	s.logger().Warn().Int64("backup_set", s.ID).Msg("backup session aborted")
	return nil
}

func (s *Session) logger() *zerolog.Logger {
	return &s.c.logger
}
