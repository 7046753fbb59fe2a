// Package sqlite implements repository.MetadataStore on an embedded
// SQLite database, one file per client dataset, accessed through a single
// exclusive handle.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/prn-tf/alexander-backup/internal/domain"
	"github.com/prn-tf/alexander-backup/internal/repository"
)

// Default dataset configuration written at creation time.
var defaultConfig = map[string]string{
	"MaxDeltaChain":     "5",
	"MaxChangePercent":  "50",
	"VacuumInterval":    "5",
	"AutoPurge":         "0",
	"Disabled":          "0",
	"SaveConfig":        "1",
	"SaveFull":          "0",
	"Formats":           "",
	"Priorities":        "",
	"KeepDays":          "",
	"ForceFull":         "",
	"ChecksumAlgorithm": "md5",
}

// Options configures opening a dataset database.
type Options struct {
	// Create initializes a fresh dataset when the file does not exist.
	Create bool

	// BackupOnOpen copies the database file aside before opening it.
	BackupOnOpen bool

	// ChecksumAlgorithm is recorded in Config at creation time; empty
	// keeps the md5 default.
	ChecksumAlgorithm string
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the exclusive dataset handle. All mutations are serialized
// through it; an explicit transaction opened with Begin owns every
// mutation until Commit or Rollback.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger

	mu sync.Mutex
	tx *sql.Tx

	authenticated bool
	maxDeltaChain int
}

// Open opens (or creates) the dataset database at path.
func Open(ctx context.Context, path string, opts Options, logger zerolog.Logger) (*Store, error) {
	_, statErr := os.Stat(path)
	exists := statErr == nil
	if !exists && !opts.Create {
		return nil, fmt.Errorf("dataset database %s: %w", path, domain.ErrNotFound)
	}

	if exists && opts.BackupOnOpen {
		if err := copyFile(path, path+".bak"); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("unable to back up database file")
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer: the handle is exclusive.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:     db,
		path:   path,
		logger: logger,
	}

	if !exists {
		if err := s.initialize(ctx, opts); err != nil {
			_ = db.Close()
			return nil, err
		}
		logger.Info().Str("path", path).Msg("dataset database created")
	}

	if err := s.checkSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	// Handles with no stored verifier are born authenticated.
	_, verifier, err := s.SrpValues(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		_ = db.Close()
		return nil, err
	}
	s.authenticated = len(verifier) == 0

	if v, err := s.ConfigValue(ctx, "MaxDeltaChain"); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			s.maxDeltaChain = n
		}
	}
	if s.maxDeltaChain <= 0 {
		s.maxDeltaChain = 5
	}

	return s, nil
}

// initialize creates the schema and seeds the Config table.
func (s *Store) initialize(ctx context.Context, opts Options) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	cfg := make(map[string]string, len(defaultConfig)+2)
	for k, v := range defaultConfig {
		cfg[k] = v
	}
	cfg["SchemaVersion"] = strconv.Itoa(CurrentSchemaVersion)
	cfg["ClientID"] = uuid.NewString()
	if opts.ChecksumAlgorithm != "" {
		cfg["ChecksumAlgorithm"] = strings.ToLower(opts.ChecksumAlgorithm)
	}

	for k, v := range cfg {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO Config (Key, Value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("failed to seed config %s: %w", k, err)
		}
	}
	return nil
}

// checkSchema verifies the dataset version, migrating v7 forward.
func (s *Store) checkSchema(ctx context.Context) error {
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	switch version {
	case CurrentSchemaVersion:
		return nil
	case 7:
		s.logger.Info().Int("from", 7).Int("to", CurrentSchemaVersion).Msg("migrating dataset schema")
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration: %w", err)
		}
		for _, stmt := range migrate7to8 {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration statement failed: %w", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: dataset is version %d, this build understands %d",
			domain.ErrSchemaMismatch, version, CurrentSchemaVersion)
	}
}

// q returns the active querier: the explicit transaction if one is open,
// otherwise the database (implicit per-statement transactions).
func (s *Store) q() querier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// requireAuth gates privileged operations.
func (s *Store) requireAuth() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.authenticated {
		return domain.ErrNotAuthenticated
	}
	return nil
}

// Begin opens an explicit transaction on the handle.
func (s *Store) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return errors.New("transaction already open")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	s.tx = tx
	return nil
}

// Commit commits the explicit transaction.
func (s *Store) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return errors.New("no transaction open")
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the explicit transaction.
func (s *Store) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx == nil {
		return errors.New("no transaction open")
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

// inTransaction runs fn inside the explicit transaction when one is open,
// otherwise in a fresh transaction committed before returning.
func (s *Store) inTransaction(ctx context.Context, fn func(q querier) error) error {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()

	if tx != nil {
		return fn(tx)
	}

	own, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(own); err != nil {
		_ = own.Rollback()
		return err
	}
	if err := own.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Vacuum compacts the database file. Must not run inside a transaction.
func (s *Store) Vacuum(ctx context.Context) error {
	s.mu.Lock()
	open := s.tx != nil
	s.mu.Unlock()
	if open {
		return errors.New("cannot vacuum inside a transaction")
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	s.logger.Info().Str("path", s.path).Msg("database vacuumed")
	return nil
}

// Close releases the handle, rolling back any open transaction.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	s.mu.Unlock()
	s.logger.Debug().Str("path", s.path).Msg("closing dataset database")
	return s.db.Close()
}

// isUniqueViolation detects SQLite unique constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// copyFile duplicates src to dst, used for the pre-open database backup.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// Ensure Store implements repository.MetadataStore
var _ repository.MetadataStore = (*Store)(nil)
