package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// InternName returns the id of the interned filename bytes, inserting the
// row on first reference. Two calls with the same bytes return the same id.
func (s *Store) InternName(ctx context.Context, name []byte) (int64, error) {
	q := s.q()

	var id int64
	err := q.QueryRowContext(ctx, `SELECT NameId FROM Names WHERE Name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to look up name: %w", err)
	}

	res, err := q.ExecContext(ctx, `INSERT INTO Names (Name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("failed to intern name: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get name id: %w", err)
	}
	return id, nil
}
