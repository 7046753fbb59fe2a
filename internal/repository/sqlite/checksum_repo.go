package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prn-tf/alexander-backup/internal/domain"
)

const checksumColumns = `
	ChecksumId, Checksum, Size, Basis, DeltaSize, DiskSize,
	Compressed, Encrypted, IV, ChainLength, IsFile`

// scanChecksum maps one CheckSums row onto the domain entity.
func scanChecksum(row rowScanner) (*domain.ChecksumInfo, error) {
	var (
		c          domain.ChecksumInfo
		basis      sql.NullString
		deltaSize  sql.NullInt64
		compressed int
		encrypted  int
		isFile     int
	)
	err := row.Scan(&c.ID, &c.Checksum, &c.Size, &basis, &deltaSize, &c.DiskSize,
		&compressed, &encrypted, &c.IV, &c.ChainLength, &isFile)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan checksum: %w", err)
	}
	c.Basis = basis.String
	c.DeltaSize = deltaSize.Int64
	c.Compressed = compressed != 0
	c.Encrypted = encrypted != 0
	c.IsFile = isFile != 0
	return &c, nil
}

// ChecksumInfo returns the row for a checksum.
func (s *Store) ChecksumInfo(ctx context.Context, checksum string) (*domain.ChecksumInfo, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+checksumColumns+` FROM CheckSums WHERE Checksum = ?`, checksum)
	return scanChecksum(row)
}

// InsertChecksum records a content row. The chain length is computed from
// the basis and stored; a chain that would exceed the dataset's
// MaxDeltaChain is refused, as is any basis reference that would close a
// cycle.
func (s *Store) InsertChecksum(ctx context.Context, info domain.ChecksumInfo) (int, error) {
	chainLength := 0
	var basis any
	var deltaSize any

	if info.Basis != "" {
		if info.Basis == info.Checksum {
			return 0, fmt.Errorf("%w: %s is its own basis", domain.ErrBasisCycle, info.Checksum)
		}

		basisInfo, err := s.ChecksumInfo(ctx, info.Basis)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return 0, fmt.Errorf("%w: basis %s of %s", domain.ErrBasisMissing, info.Basis, info.Checksum)
			}
			return 0, err
		}

		// Walk the basis chain to its root. Finding the new checksum on
		// the way means the insert would close a cycle.
		for walk := basisInfo; walk.Basis != ""; {
			if walk.Basis == info.Checksum {
				return 0, fmt.Errorf("%w: %s reachable from basis %s", domain.ErrBasisCycle, info.Checksum, info.Basis)
			}
			next, err := s.ChecksumInfo(ctx, walk.Basis)
			if err != nil {
				return 0, fmt.Errorf("broken basis chain at %s: %w", walk.Basis, err)
			}
			walk = next
		}

		chainLength = basisInfo.ChainLength + 1
		if chainLength > s.maxDeltaChain {
			return 0, fmt.Errorf("%w: chain length %d exceeds limit %d",
				domain.ErrChainTooLong, chainLength, s.maxDeltaChain)
		}
		basis = info.Basis
		deltaSize = info.DeltaSize
	}

	_, err := s.q().ExecContext(ctx, `
		INSERT INTO CheckSums
			(Checksum, Size, Basis, DeltaSize, DiskSize, Compressed, Encrypted, IV, ChainLength, IsFile)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.Checksum, info.Size, basis, deltaSize, info.DiskSize,
		boolInt(info.Compressed), boolInt(info.Encrypted), info.IV,
		chainLength, boolInt(info.IsFile))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: checksum %s", domain.ErrAlreadyExists, info.Checksum)
		}
		return 0, fmt.Errorf("failed to insert checksum: %w", err)
	}

	s.logger.Debug().
		Str("checksum", info.Checksum).
		Str("basis", info.Basis).
		Int("chain_length", chainLength).
		Msg("inserted checksum")
	return chainLength, nil
}

// DeleteChecksum removes one checksum row.
func (s *Store) DeleteChecksum(ctx context.Context, checksum string) error {
	res, err := s.q().ExecContext(ctx, `DELETE FROM CheckSums WHERE Checksum = ?`, checksum)
	if err != nil {
		return fmt.Errorf("failed to delete checksum: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: checksum %s", domain.ErrNotFound, checksum)
	}
	return nil
}

// AllChecksums returns every checksum in the store.
func (s *Store) AllChecksums(ctx context.Context) ([]string, error) {
	rows, err := s.q().QueryContext(ctx, `SELECT Checksum FROM CheckSums`)
	if err != nil {
		return nil, fmt.Errorf("failed to list checksums: %w", err)
	}
	defer rows.Close()

	var checksums []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan checksum: %w", err)
		}
		checksums = append(checksums, c)
	}
	return checksums, rows.Err()
}

// orphanQuery finds checksums with no file reference of any kind and no
// dependent basis reference.
const orphanQuery = `
	SELECT Checksum FROM CheckSums c
	WHERE NOT EXISTS (SELECT 1 FROM Files f
		WHERE f.ChecksumId = c.ChecksumId OR f.XattrId = c.ChecksumId OR f.AclId = c.ChecksumId)
	  AND NOT EXISTS (SELECT 1 FROM CheckSums d WHERE d.Basis = c.Checksum)`

// OrphanChecksums returns the current round of orphaned checksums. Callers
// delete them and ask again: removing a delta tip can orphan its basis.
func (s *Store) OrphanChecksums(ctx context.Context) ([]string, error) {
	rows, err := s.q().QueryContext(ctx, orphanQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphans: %w", err)
	}
	defer rows.Close()

	var orphans []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("failed to scan orphan: %w", err)
		}
		orphans = append(orphans, c)
	}
	return orphans, rows.Err()
}
