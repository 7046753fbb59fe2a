// Package repository defines the persistence contracts for Alexander
// Backup: the transactional metadata store over backup sets, files, names
// and checksums, and the cache used to accelerate hot lookups.
package repository

import (
	"context"
	"time"

	"github.com/prn-tf/alexander-backup/internal/domain"
)

// PermChecker is an optional POSIX visibility check applied while walking
// directories during path resolution. Returning false hides the entry.
type PermChecker func(uid, gid int, mode uint32, dir bool) bool

// MetadataStore is the transactional relational store of the data model.
// Implementations are single-writer: one exclusive handle per dataset.
type MetadataStore interface {
	// --- backup sets ---

	// NewBackupSet opens a new backup set and returns its monotonic id.
	// Duplicate names or sessions return domain.ErrAlreadyExists.
	NewBackupSet(ctx context.Context, name, session string, priority int, full bool, clientVersion string) (int64, error)

	// CompleteBackupSet marks a set completed and stamps its end time.
	CompleteBackupSet(ctx context.Context, id int64) error

	// ListBackupSets returns all sets in id order.
	ListBackupSets(ctx context.Context) ([]domain.BackupSet, error)

	// LastCompleted returns the completed set with the highest id.
	LastCompleted(ctx context.Context) (*domain.BackupSet, error)

	// BackupSetByID, BackupSetByName and BackupSetByTime resolve one set;
	// ByTime returns the latest set whose start time is at or before t.
	BackupSetByID(ctx context.Context, id int64) (*domain.BackupSet, error)
	BackupSetByName(ctx context.Context, name string) (*domain.BackupSet, error)
	BackupSetByTime(ctx context.Context, t time.Time) (*domain.BackupSet, error)

	// BackupSetDetails summarizes a set's contents.
	BackupSetDetails(ctx context.Context, id int64) (*domain.BackupSetDetails, error)

	// SetBackupSetPriority adjusts a set's purge priority.
	SetBackupSetPriority(ctx context.Context, id int64, priority int) error

	// AddBackupSetCounts accumulates the per-set ingest counters.
	AddBackupSetCounts(ctx context.Context, id int64, filesFull, filesDelta, bytesReceived int64) error

	// --- names ---

	// InternName returns the id of the interned filename bytes, creating
	// the row on first reference. Idempotent.
	InternName(ctx context.Context, name []byte) (int64, error)

	// --- file writes ---

	// InsertFile records one file version row under the given parent.
	InsertFile(ctx context.Context, bset int64, parent domain.InodeKey, attrs domain.FileAttributes) error

	// InsertFiles bulk-inserts file rows in a single transaction.
	InsertFiles(ctx context.Context, bset int64, parent domain.InodeKey, files []domain.FileAttributes) error

	// SetChecksumForFile attaches content to a previously inserted row.
	SetChecksumForFile(ctx context.Context, key domain.InodeKey, bset int64, checksum string) error

	// SetXattrsForFile and SetACLForFile attach auxiliary blobs.
	SetXattrsForFile(ctx context.Context, key domain.InodeKey, bset int64, checksum string) error
	SetACLForFile(ctx context.Context, key domain.InodeKey, bset int64, checksum string) error

	// CloneDirectory copies a directory's unchanged children from one set
	// into another, returning the number of rows cloned.
	CloneDirectory(ctx context.Context, parent domain.InodeKey, fromBset, toBset int64) (int64, error)

	// --- file reads ---

	FileByName(ctx context.Context, name []byte, parent domain.InodeKey, bset int64) (*domain.FileVersion, error)
	FileByPath(ctx context.Context, path string, bset int64) (*domain.FileVersion, error)
	FileByInode(ctx context.Context, key domain.InodeKey, bset int64) (*domain.FileVersion, error)
	ReadDirectory(ctx context.Context, dir domain.InodeKey, bset int64) ([]domain.FileVersion, error)

	// FindSimilar locates a row with the same inode, mtime and size in a
	// set at or after sinceBset with content attached; it identifies files
	// that moved without changing.
	FindSimilar(ctx context.Context, key domain.InodeKey, size, mtime, sinceBset int64) (*domain.FileVersion, error)

	// ListNewFiles returns the rows of a set; when includeInherited is
	// false, rows cloned unchanged from earlier sets are skipped.
	ListNewFiles(ctx context.Context, bset int64, includeInherited bool) ([]domain.FileVersion, error)

	// --- checksums ---

	// InsertChecksum records a content row, computing and returning its
	// chain length. domain.ErrChainTooLong if the chain would exceed the
	// dataset's MaxDeltaChain; domain.ErrBasisMissing if the basis has no
	// row; domain.ErrBasisCycle if the insert would close a cycle.
	InsertChecksum(ctx context.Context, info domain.ChecksumInfo) (int, error)

	// ChecksumInfo returns the row for a checksum.
	ChecksumInfo(ctx context.Context, checksum string) (*domain.ChecksumInfo, error)

	// ChecksumByPath resolves a path to its content checksum, applying an
	// optional permission check at each directory.
	ChecksumByPath(ctx context.Context, path string, bset int64, perm PermChecker) (string, error)

	// --- purge ---

	ListPurgeCandidates(ctx context.Context, maxPriority int, before time.Time, keep int64) ([]domain.BackupSet, error)
	ListPurgeIncomplete(ctx context.Context, maxPriority int, before time.Time, keep int64) ([]domain.BackupSet, error)

	// DeleteBackupSet removes one set and its file rows, returning the
	// number of file rows deleted.
	DeleteBackupSet(ctx context.Context, id int64) (int64, error)

	// PurgeSets and PurgeIncomplete delete all matching candidate sets in
	// one transaction, returning (filesDeleted, setsDeleted).
	PurgeSets(ctx context.Context, maxPriority int, before time.Time, keep int64) (int64, int64, error)
	PurgeIncomplete(ctx context.Context, maxPriority int, before time.Time, keep int64) (int64, int64, error)

	// OrphanChecksums returns checksums with no file reference and no
	// dependent basis reference.
	OrphanChecksums(ctx context.Context) ([]string, error)

	// DeleteChecksum removes one checksum row.
	DeleteChecksum(ctx context.Context, checksum string) error

	// AllChecksums returns every checksum in the store, for consistency
	// sweeps against the blob store.
	AllChecksums(ctx context.Context) ([]string, error)

	// --- keys & authentication ---

	// Keys returns the wrapped filename and content keys.
	Keys(ctx context.Context) (filenameKey, contentKey string, err error)

	// SetKeys stores the verifier salt/value and wrapped keys in one
	// transaction.
	SetKeys(ctx context.Context, salt, verifier []byte, filenameKey, contentKey string) error

	// SrpValues and SetSrpValues access the authentication salt/verifier.
	SrpValues(ctx context.Context) (salt, verifier []byte, err error)
	SetSrpValues(ctx context.Context, salt, verifier []byte) error

	// Authenticate verifies the password against the stored verifier and
	// marks the handle authenticated. Handles with no verifier row are
	// born authenticated.
	Authenticate(ctx context.Context, client, password string) error

	// --- config ---

	ConfigValue(ctx context.Context, key string) (string, error)
	SetConfigValue(ctx context.Context, key, value string) error
	ClientID(ctx context.Context) (string, error)
	SchemaVersion(ctx context.Context) (int, error)

	// --- transactions ---

	// Begin opens an explicit transaction on the handle; mutations join it
	// until Commit or Rollback. Mutations outside an explicit transaction
	// run in their own implicit one.
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error

	Close() error
}

// Cache is a byte-value cache with TTL expiry.
type Cache interface {
	// Get retrieves a value. ErrCacheMiss if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with a TTL. A zero TTL means no expiry in the
	// memory cache; the Redis cache applies its default TTL instead.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value. Absent keys are not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks key presence.
	Exists(ctx context.Context, key string) (bool, error)
}
