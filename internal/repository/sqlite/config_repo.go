package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/prn-tf/alexander-backup/internal/domain"
)

// ConfigValue returns one dataset configuration value.
func (s *Store) ConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.q().QueryRowContext(ctx,
		`SELECT Value FROM Config WHERE Key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: config key %s", domain.ErrNotFound, key)
		}
		return "", fmt.Errorf("failed to read config %s: %w", key, err)
	}
	return value, nil
}

// SetConfigValue stores one dataset configuration value.
func (s *Store) SetConfigValue(ctx context.Context, key, value string) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO Config (Key, Value) VALUES (?, ?)
		ON CONFLICT(Key) DO UPDATE SET Value = excluded.Value`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set config %s: %w", key, err)
	}

	if key == "MaxDeltaChain" {
		if n, cerr := strconv.Atoi(value); cerr == nil && n > 0 {
			s.mu.Lock()
			s.maxDeltaChain = n
			s.mu.Unlock()
		}
	}
	return nil
}

// ClientID returns the dataset's client identifier.
func (s *Store) ClientID(ctx context.Context) (string, error) {
	return s.ConfigValue(ctx, "ClientID")
}

// SchemaVersion returns the persisted schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	v, err := s.ConfigValue(ctx, "SchemaVersion")
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("malformed schema version %q: %w", v, err)
	}
	return n, nil
}
