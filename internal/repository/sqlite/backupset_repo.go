package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prn-tf/alexander-backup/internal/domain"
)

// ServerVersion is stamped onto every backup set this build opens.
const ServerVersion = "alexander-backup/1.2"

const backupSetColumns = `
	BackupSet, Name, Session, Completed, StartTime, EndTime, Priority, Full,
	ClientVersion, ServerVersion, FilesFull, FilesDelta, BytesReceived`

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanBackupSet maps one Backups row onto the domain entity.
func scanBackupSet(row rowScanner) (*domain.BackupSet, error) {
	var (
		b             domain.BackupSet
		session       sql.NullString
		start         int64
		end           sql.NullInt64
		completed     sql.NullInt64
		full          sql.NullInt64
		clientVersion sql.NullString
		serverVersion sql.NullString
	)
	err := row.Scan(&b.ID, &b.Name, &session, &completed, &start, &end, &b.Priority, &full,
		&clientVersion, &serverVersion, &b.FilesFull, &b.FilesDelta, &b.BytesReceived)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan backup set: %w", err)
	}
	b.Session = session.String
	b.StartTime = time.Unix(start, 0)
	if end.Valid {
		b.EndTime = time.Unix(end.Int64, 0)
	}
	b.Completed = completed.Int64 != 0
	b.Full = full.Int64 != 0
	b.ClientVersion = clientVersion.String
	b.ServerVersion = serverVersion.String
	return &b, nil
}

// NewBackupSet opens a new backup set and returns its id.
func (s *Store) NewBackupSet(ctx context.Context, name, session string, priority int, full bool, clientVersion string) (int64, error) {
	if err := s.requireAuth(); err != nil {
		return 0, err
	}

	res, err := s.q().ExecContext(ctx, `
		INSERT INTO Backups (Name, Session, Completed, StartTime, Priority, Full, ClientVersion, ServerVersion)
		VALUES (?, ?, 0, ?, ?, ?, ?, ?)`,
		name, session, time.Now().Unix(), priority, boolInt(full), clientVersion, ServerVersion)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: backup set %q", domain.ErrAlreadyExists, name)
		}
		return 0, fmt.Errorf("failed to create backup set: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get backup set id: %w", err)
	}

	s.logger.Info().
		Int64("backup_set", id).
		Str("name", name).
		Str("session", session).
		Msg("created new backup set")
	return id, nil
}

// CompleteBackupSet marks a set completed and stamps its end time.
func (s *Store) CompleteBackupSet(ctx context.Context, id int64) error {
	res, err := s.q().ExecContext(ctx,
		`UPDATE Backups SET Completed = 1, EndTime = ? WHERE BackupSet = ?`,
		time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to complete backup set: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: backup set %d", domain.ErrNotFound, id)
	}
	s.logger.Info().Int64("backup_set", id).Msg("backup set completed")
	return nil
}

// ListBackupSets returns all sets in id order.
func (s *Store) ListBackupSets(ctx context.Context) ([]domain.BackupSet, error) {
	rows, err := s.q().QueryContext(ctx,
		`SELECT `+backupSetColumns+` FROM Backups ORDER BY BackupSet`)
	if err != nil {
		return nil, fmt.Errorf("failed to list backup sets: %w", err)
	}
	defer rows.Close()

	var sets []domain.BackupSet
	for rows.Next() {
		b, err := scanBackupSet(rows)
		if err != nil {
			return nil, err
		}
		sets = append(sets, *b)
	}
	return sets, rows.Err()
}

// LastCompleted returns the completed set with the highest id.
func (s *Store) LastCompleted(ctx context.Context) (*domain.BackupSet, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+backupSetColumns+` FROM Backups WHERE Completed = 1 ORDER BY BackupSet DESC LIMIT 1`)
	return scanBackupSet(row)
}

// BackupSetByID resolves a set by id.
func (s *Store) BackupSetByID(ctx context.Context, id int64) (*domain.BackupSet, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+backupSetColumns+` FROM Backups WHERE BackupSet = ?`, id)
	return scanBackupSet(row)
}

// BackupSetByName resolves a set by its unique name.
func (s *Store) BackupSetByName(ctx context.Context, name string) (*domain.BackupSet, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+backupSetColumns+` FROM Backups WHERE Name = ?`, name)
	return scanBackupSet(row)
}

// BackupSetByTime returns the latest set started at or before t.
func (s *Store) BackupSetByTime(ctx context.Context, t time.Time) (*domain.BackupSet, error) {
	row := s.q().QueryRowContext(ctx,
		`SELECT `+backupSetColumns+` FROM Backups WHERE StartTime <= ? ORDER BY BackupSet DESC LIMIT 1`,
		t.Unix())
	return scanBackupSet(row)
}

// BackupSetDetails summarizes one set's contents.
func (s *Store) BackupSetDetails(ctx context.Context, id int64) (*domain.BackupSetDetails, error) {
	var d domain.BackupSetDetails
	err := s.q().QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN Dir = 0 THEN 1 END),
			COUNT(CASE WHEN Dir = 1 THEN 1 END),
			COALESCE(SUM(CASE WHEN Dir = 0 THEN Size ELSE 0 END), 0)
		FROM Files WHERE BackupSet = ?`, id).
		Scan(&d.Files, &d.Directories, &d.TotalSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup set details: %w", err)
	}

	// New content is whatever this set first introduced into the store.
	err = s.q().QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CheckSums.Size), 0)
		FROM Files JOIN CheckSums ON Files.ChecksumId = CheckSums.ChecksumId
		WHERE Files.BackupSet = ?
		  AND NOT EXISTS (
			SELECT 1 FROM Files prev
			WHERE prev.ChecksumId = Files.ChecksumId AND prev.BackupSet < Files.BackupSet)`, id).
		Scan(&d.NewFiles, &d.NewSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read new-file details: %w", err)
	}
	return &d, nil
}

// SetBackupSetPriority adjusts a set's purge priority.
func (s *Store) SetBackupSetPriority(ctx context.Context, id int64, priority int) error {
	res, err := s.q().ExecContext(ctx,
		`UPDATE Backups SET Priority = ? WHERE BackupSet = ?`, priority, id)
	if err != nil {
		return fmt.Errorf("failed to set priority: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: backup set %d", domain.ErrNotFound, id)
	}
	return nil
}

// AddBackupSetCounts accumulates the per-set ingest counters.
func (s *Store) AddBackupSetCounts(ctx context.Context, id int64, filesFull, filesDelta, bytesReceived int64) error {
	_, err := s.q().ExecContext(ctx, `
		UPDATE Backups SET
			FilesFull = FilesFull + ?,
			FilesDelta = FilesDelta + ?,
			BytesReceived = BytesReceived + ?
		WHERE BackupSet = ?`,
		filesFull, filesDelta, bytesReceived, id)
	if err != nil {
		return fmt.Errorf("failed to update backup set counts: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
