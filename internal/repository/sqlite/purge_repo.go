package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/prn-tf/alexander-backup/internal/domain"
)

// listPurge returns candidate sets for deletion: priority at or below
// maxPriority, ended (or started, for incomplete sets) before the cutoff,
// and not the protected set.
func (s *Store) listPurge(ctx context.Context, completed int, maxPriority int, before time.Time, keep int64) ([]domain.BackupSet, error) {
	timeColumn := "EndTime"
	if completed == 0 {
		// Incomplete sets never got an end time.
		timeColumn = "StartTime"
	}
	rows, err := s.q().QueryContext(ctx, `
		SELECT `+backupSetColumns+` FROM Backups
		WHERE Completed = ? AND Priority <= ? AND `+timeColumn+` < ? AND BackupSet != ?
		ORDER BY BackupSet`,
		completed, maxPriority, before.Unix(), keep)
	if err != nil {
		return nil, fmt.Errorf("failed to list purge candidates: %w", err)
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

// ListPurgeCandidates lists completed sets eligible for purging.
func (s *Store) ListPurgeCandidates(ctx context.Context, maxPriority int, before time.Time, keep int64) ([]domain.BackupSet, error) {
	return s.listPurge(ctx, 1, maxPriority, before, keep)
}

// ListPurgeIncomplete lists abandoned incomplete sets.
func (s *Store) ListPurgeIncomplete(ctx context.Context, maxPriority int, before time.Time, keep int64) ([]domain.BackupSet, error) {
	return s.listPurge(ctx, 0, maxPriority, before, keep)
}

// deleteSetRows removes one set's file rows and the set itself within q.
func (s *Store) deleteSetRows(ctx context.Context, q querier, id int64) (int64, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM Files WHERE BackupSet = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete files of set %d: %w", id, err)
	}
	filesDeleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted files: %w", err)
	}

	res, err = q.ExecContext(ctx, `DELETE FROM Backups WHERE BackupSet = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete backup set %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: backup set %d", domain.ErrNotFound, id)
	}
	return filesDeleted, nil
}

// DeleteBackupSet removes one set and its file rows in a single
// transaction, returning the number of file rows deleted. Orphaned
// checksums are reclaimed separately.
func (s *Store) DeleteBackupSet(ctx context.Context, id int64) (int64, error) {
	if err := s.requireAuth(); err != nil {
		return 0, err
	}

	var filesDeleted int64
	err := s.inTransaction(ctx, func(q querier) error {
		var err error
		filesDeleted, err = s.deleteSetRows(ctx, q, id)
		return err
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info().
		Int64("backup_set", id).
		Int64("files_deleted", filesDeleted).
		Msg("deleted backup set")
	return filesDeleted, nil
}

// purgeMatching deletes every candidate set in one transaction.
func (s *Store) purgeMatching(ctx context.Context, completed int, maxPriority int, before time.Time, keep int64) (int64, int64, error) {
	if err := s.requireAuth(); err != nil {
		return 0, 0, err
	}

	candidates, err := s.listPurge(ctx, completed, maxPriority, before, keep)
	if err != nil {
		return 0, 0, err
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	var filesDeleted, setsDeleted int64
	err = s.inTransaction(ctx, func(q querier) error {
		for _, b := range candidates {
			n, err := s.deleteSetRows(ctx, q, b.ID)
			if err != nil {
				return err
			}
			filesDeleted += n
			setsDeleted++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	s.logger.Info().
		Int64("sets_deleted", setsDeleted).
		Int64("files_deleted", filesDeleted).
		Msg("purged backup sets")
	return filesDeleted, setsDeleted, nil
}

// PurgeSets deletes all matching completed candidate sets.
func (s *Store) PurgeSets(ctx context.Context, maxPriority int, before time.Time, keep int64) (int64, int64, error) {
	return s.purgeMatching(ctx, 1, maxPriority, before, keep)
}

// PurgeIncomplete deletes all matching incomplete candidate sets.
func (s *Store) PurgeIncomplete(ctx context.Context, maxPriority int, before time.Time, keep int64) (int64, int64, error) {
	return s.purgeMatching(ctx, 0, maxPriority, before, keep)
}
