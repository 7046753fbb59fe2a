package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/prn-tf/alexander-backup/internal/domain"
	"github.com/prn-tf/alexander-backup/internal/repository"
)

const fileColumns = `
	Files.NameId, Names.Name, Files.BackupSet, Files.Inode, Files.Device,
	Files.Parent, Files.ParentDev, Files.ChecksumId, CheckSums.Checksum,
	Files.XattrId, XattrSums.Checksum, Files.AclId, AclSums.Checksum,
	Files.Dir, Files.Link,
	Files.Size, Files.MTime, Files.CTime, Files.ATime,
	Files.Mode, Files.UID, Files.GID, Files.NLinks,
	COALESCE(CheckSums.ChainLength, 0)`

const fileJoins = `
	FROM Files
	JOIN Names ON Files.NameId = Names.NameId
	LEFT JOIN CheckSums ON Files.ChecksumId = CheckSums.ChecksumId
	LEFT JOIN CheckSums AS XattrSums ON Files.XattrId = XattrSums.ChecksumId
	LEFT JOIN CheckSums AS AclSums ON Files.AclId = AclSums.ChecksumId`

// scanFileVersion maps one joined Files row onto the domain entity.
func scanFileVersion(row rowScanner) (*domain.FileVersion, error) {
	var (
		f          domain.FileVersion
		checksumID sql.NullInt64
		checksum   sql.NullString
		xattrID    sql.NullInt64
		xattrSum   sql.NullString
		aclID      sql.NullInt64
		aclSum     sql.NullString
		dir, link  int
		size       sql.NullInt64
		mtime      sql.NullInt64
		ctime      sql.NullInt64
		atime      sql.NullInt64
		mode       sql.NullInt64
		uid        sql.NullInt64
		gid        sql.NullInt64
		nlinks     sql.NullInt64
	)
	err := row.Scan(&f.NameID, &f.Name, &f.BackupSet, &f.Key.Inode, &f.Key.Device,
		&f.Parent.Inode, &f.Parent.Device, &checksumID, &checksum,
		&xattrID, &xattrSum, &aclID, &aclSum, &dir, &link,
		&size, &mtime, &ctime, &atime, &mode, &uid, &gid, &nlinks,
		&f.ChainLength)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan file row: %w", err)
	}
	if checksumID.Valid {
		f.ChecksumID = &checksumID.Int64
		f.Checksum = checksum.String
	}
	if xattrID.Valid {
		f.XattrID = &xattrID.Int64
		f.Xattrs = xattrSum.String
	}
	if aclID.Valid {
		f.AclID = &aclID.Int64
		f.Acl = aclSum.String
	}
	f.Dir = dir != 0
	f.Link = link != 0
	f.Size = size.Int64
	f.MTime = mtime.Int64
	f.CTime = ctime.Int64
	f.ATime = atime.Int64
	f.Mode = uint32(mode.Int64)
	f.UID = int(uid.Int64)
	f.GID = int(gid.Int64)
	f.NLinks = int(nlinks.Int64)
	return &f, nil
}

// insertFileRow records one file row using an already-interned name id.
func (s *Store) insertFileRow(ctx context.Context, q querier, bset int64, parent domain.InodeKey, nameID int64, attrs domain.FileAttributes) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO Files
			(NameId, BackupSet, Inode, Device, Parent, ParentDev, Dir, Link,
			 Size, MTime, CTime, ATime, Mode, UID, GID, NLinks)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nameID, bset, attrs.Key.Inode, attrs.Key.Device, parent.Inode, parent.Device,
		boolInt(attrs.Dir), boolInt(attrs.Link),
		attrs.Size, attrs.MTime, attrs.CTime, attrs.ATime,
		attrs.Mode, attrs.UID, attrs.GID, attrs.NLinks)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: file row (%d, %v, name %d)", domain.ErrAlreadyExists, bset, parent, nameID)
		}
		return fmt.Errorf("failed to insert file: %w", err)
	}
	return nil
}

// InsertFile records one file version row under the given parent.
func (s *Store) InsertFile(ctx context.Context, bset int64, parent domain.InodeKey, attrs domain.FileAttributes) error {
	nameID, err := s.InternName(ctx, attrs.Name)
	if err != nil {
		return err
	}
	return s.insertFileRow(ctx, s.q(), bset, parent, nameID, attrs)
}

// InsertFiles bulk-inserts file rows in a single transaction.
func (s *Store) InsertFiles(ctx context.Context, bset int64, parent domain.InodeKey, files []domain.FileAttributes) error {
	return s.inTransaction(ctx, func(q querier) error {
		for _, attrs := range files {
			var nameID int64
			err := q.QueryRowContext(ctx, `SELECT NameId FROM Names WHERE Name = ?`, attrs.Name).Scan(&nameID)
			if errors.Is(err, sql.ErrNoRows) {
				res, ierr := q.ExecContext(ctx, `INSERT INTO Names (Name) VALUES (?)`, attrs.Name)
				if ierr != nil {
					return fmt.Errorf("failed to intern name: %w", ierr)
				}
				nameID, ierr = res.LastInsertId()
				if ierr != nil {
					return fmt.Errorf("failed to get name id: %w", ierr)
				}
			} else if err != nil {
				return fmt.Errorf("failed to look up name: %w", err)
			}
			if err := s.insertFileRow(ctx, q, bset, parent, nameID, attrs); err != nil {
				return err
			}
		}
		return nil
	})
}

// setFileChecksumColumn attaches a checksum reference to a file row.
func (s *Store) setFileChecksumColumn(ctx context.Context, column string, key domain.InodeKey, bset int64, checksum string) error {
	res, err := s.q().ExecContext(ctx, `
		UPDATE Files SET `+column+` =
			(SELECT ChecksumId FROM CheckSums WHERE Checksum = ?)
		WHERE Inode = ? AND Device = ? AND BackupSet = ?`,
		checksum, key.Inode, key.Device, bset)
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: file (%d, %d) in set %d", domain.ErrNotFound, key.Inode, key.Device, bset)
	}
	return nil
}

// SetChecksumForFile attaches content to a previously inserted file row.
func (s *Store) SetChecksumForFile(ctx context.Context, key domain.InodeKey, bset int64, checksum string) error {
	return s.setFileChecksumColumn(ctx, "ChecksumId", key, bset, checksum)
}

// SetXattrsForFile attaches a serialized extended-attributes blob.
func (s *Store) SetXattrsForFile(ctx context.Context, key domain.InodeKey, bset int64, checksum string) error {
	return s.setFileChecksumColumn(ctx, "XattrId", key, bset, checksum)
}

// SetACLForFile attaches a serialized ACL blob.
func (s *Store) SetACLForFile(ctx context.Context, key domain.InodeKey, bset int64, checksum string) error {
	return s.setFileChecksumColumn(ctx, "AclId", key, bset, checksum)
}

// CloneDirectory copies a directory's children from one set into another.
func (s *Store) CloneDirectory(ctx context.Context, parent domain.InodeKey, fromBset, toBset int64) (int64, error) {
	res, err := s.q().ExecContext(ctx, `
		INSERT INTO Files
			(NameId, BackupSet, Inode, Device, Parent, ParentDev, ChecksumId, XattrId, AclId,
			 Dir, Link, Size, MTime, CTime, ATime, Mode, UID, GID, NLinks)
		SELECT NameId, ?, Inode, Device, Parent, ParentDev, ChecksumId, XattrId, AclId,
			 Dir, Link, Size, MTime, CTime, ATime, Mode, UID, GID, NLinks
		FROM Files WHERE BackupSet = ? AND Parent = ? AND ParentDev = ?`,
		toBset, fromBset, parent.Inode, parent.Device)
	if err != nil {
		return 0, fmt.Errorf("failed to clone directory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cloned rows: %w", err)
	}
	s.logger.Debug().
		Int64("parent_inode", parent.Inode).
		Int64("from", fromBset).
		Int64("to", toBset).
		Int64("cloned", n).
		Msg("cloned directory")
	return n, nil
}

// FileByName looks up one entry of a directory in a backup set.
func (s *Store) FileByName(ctx context.Context, name []byte, parent domain.InodeKey, bset int64) (*domain.FileVersion, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT `+fileColumns+fileJoins+`
		WHERE Names.Name = ? AND Files.Parent = ? AND Files.ParentDev = ? AND Files.BackupSet = ?`,
		name, parent.Inode, parent.Device, bset)
	return scanFileVersion(row)
}

// splitPathComponents breaks a slash-separated path into its non-empty
// components.
func splitPathComponents(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// FileByPath resolves a full path by walking name lookups from the root
// inode (0, 0).
func (s *Store) FileByPath(ctx context.Context, path string, bset int64) (*domain.FileVersion, error) {
	parts := splitPathComponents(path)
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty path", domain.ErrNotFound)
	}

	parent := domain.RootInode
	var info *domain.FileVersion
	for _, name := range parts {
		var err error
		info, err = s.FileByName(ctx, []byte(name), parent, bset)
		if err != nil {
			return nil, err
		}
		parent = info.Key
	}
	return info, nil
}

// FileByInode looks up a file version row by its inode identity.
func (s *Store) FileByInode(ctx context.Context, key domain.InodeKey, bset int64) (*domain.FileVersion, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT `+fileColumns+fileJoins+`
		WHERE Files.Inode = ? AND Files.Device = ? AND Files.BackupSet = ?`,
		key.Inode, key.Device, bset)
	return scanFileVersion(row)
}

// ReadDirectory returns the children of a directory in a backup set.
func (s *Store) ReadDirectory(ctx context.Context, dir domain.InodeKey, bset int64) ([]domain.FileVersion, error) {
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+fileColumns+fileJoins+`
		WHERE Files.Parent = ? AND Files.ParentDev = ? AND Files.BackupSet = ?
		ORDER BY Names.Name`,
		dir.Inode, dir.Device, bset)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}
	defer rows.Close()

	var entries []domain.FileVersion
	for rows.Next() {
		f, err := scanFileVersion(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *f)
	}
	return entries, rows.Err()
}

// FindSimilar locates a row with the same inode, mtime and size in a set
// at or after sinceBset with content attached. Identifies files which have
// moved without changing.
func (s *Store) FindSimilar(ctx context.Context, key domain.InodeKey, size, mtime, sinceBset int64) (*domain.FileVersion, error) {
	row := s.q().QueryRowContext(ctx, `
		SELECT `+fileColumns+fileJoins+`
		WHERE Files.Inode = ? AND Files.Device = ? AND Files.MTime = ? AND Files.Size = ?
		  AND Files.BackupSet >= ? AND Files.ChecksumId IS NOT NULL
		LIMIT 1`,
		key.Inode, key.Device, mtime, size, sinceBset)
	return scanFileVersion(row)
}

// ListNewFiles returns a set's rows. When includeInherited is false, rows
// whose identical version already existed in an earlier set are skipped.
func (s *Store) ListNewFiles(ctx context.Context, bset int64, includeInherited bool) ([]domain.FileVersion, error) {
	query := `SELECT ` + fileColumns + fileJoins + ` WHERE Files.BackupSet = ?`
	if !includeInherited {
		query += `
		  AND NOT EXISTS (
			SELECT 1 FROM Files prev
			WHERE prev.BackupSet < Files.BackupSet
			  AND prev.Inode = Files.Inode AND prev.Device = Files.Device
			  AND prev.NameId = Files.NameId AND prev.MTime = Files.MTime)`
	}
	query += ` ORDER BY Files.Parent, Files.ParentDev, Names.Name`

	rows, err := s.q().QueryContext(ctx, query, bset)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []domain.FileVersion
	for rows.Next() {
		f, err := scanFileVersion(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	return files, rows.Err()
}

// ChecksumByPath resolves a path to its content checksum, applying an
// optional permission check at each directory on the way down.
func (s *Store) ChecksumByPath(ctx context.Context, path string, bset int64, perm repository.PermChecker) (string, error) {
	parts := splitPathComponents(path)
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: empty path", domain.ErrNotFound)
	}

	parent := domain.RootInode
	var info *domain.FileVersion
	for i, name := range parts {
		var err error
		info, err = s.FileByName(ctx, []byte(name), parent, bset)
		if err != nil {
			return "", err
		}
		if perm != nil && i < len(parts)-1 {
			if !perm(info.UID, info.GID, info.Mode, info.Dir) {
				return "", fmt.Errorf("%w: %s not accessible", domain.ErrNotFound, name)
			}
		}
		parent = info.Key
	}
	if perm != nil && !perm(info.UID, info.GID, info.Mode, info.Dir) {
		return "", fmt.Errorf("%w: not accessible", domain.ErrNotFound)
	}
	if info.Checksum == "" {
		return "", fmt.Errorf("%w: no content for %s", domain.ErrNotFound, path)
	}
	return info.Checksum, nil
}
