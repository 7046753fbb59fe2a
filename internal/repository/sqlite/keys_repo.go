package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	pkgcrypto "github.com/prn-tf/alexander-backup/internal/pkg/crypto"

	"github.com/prn-tf/alexander-backup/internal/domain"
)

// Keys returns the wrapped filename and content keys. Reading keys is a
// privileged operation.
func (s *Store) Keys(ctx context.Context) (string, string, error) {
	if err := s.requireAuth(); err != nil {
		return "", "", err
	}

	var filenameKey, contentKey sql.NullString
	err := s.q().QueryRowContext(ctx,
		`SELECT FilenameKey, ContentKey FROM Keys WHERE KeyId = 1`).
		Scan(&filenameKey, &contentKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", domain.ErrNotFound
		}
		return "", "", fmt.Errorf("failed to read keys: %w", err)
	}
	return filenameKey.String, contentKey.String, nil
}

// SetKeys stores the verifier salt/value and wrapped keys in one upsert.
// Empty key strings clear the stored keys (moved to an external key file).
func (s *Store) SetKeys(ctx context.Context, salt, verifier []byte, filenameKey, contentKey string) error {
	if err := s.requireAuth(); err != nil {
		return err
	}

	var f, c any
	if filenameKey != "" {
		f = filenameKey
	}
	if contentKey != "" {
		c = contentKey
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO Keys (KeyId, Salt, Verifier, FilenameKey, ContentKey)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(KeyId) DO UPDATE SET
			Salt = excluded.Salt,
			Verifier = excluded.Verifier,
			FilenameKey = excluded.FilenameKey,
			ContentKey = excluded.ContentKey`,
		salt, verifier, f, c)
	if err != nil {
		return fmt.Errorf("failed to store keys: %w", err)
	}
	return nil
}

// SrpValues returns the authentication salt and verifier.
func (s *Store) SrpValues(ctx context.Context) ([]byte, []byte, error) {
	var salt, verifier []byte
	err := s.q().QueryRowContext(ctx,
		`SELECT Salt, Verifier FROM Keys WHERE KeyId = 1`).
		Scan(&salt, &verifier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, domain.ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to read srp values: %w", err)
	}
	return salt, verifier, nil
}

// SetSrpValues replaces the authentication salt and verifier, keeping any
// stored keys.
func (s *Store) SetSrpValues(ctx context.Context, salt, verifier []byte) error {
	if err := s.requireAuth(); err != nil {
		return err
	}
	_, err := s.q().ExecContext(ctx, `
		INSERT INTO Keys (KeyId, Salt, Verifier)
		VALUES (1, ?, ?)
		ON CONFLICT(KeyId) DO UPDATE SET
			Salt = excluded.Salt,
			Verifier = excluded.Verifier`,
		salt, verifier)
	if err != nil {
		return fmt.Errorf("failed to store srp values: %w", err)
	}
	return nil
}

// Authenticate verifies the password against the stored verifier and marks
// the handle authenticated. Datasets without a verifier are open.
func (s *Store) Authenticate(ctx context.Context, client, password string) error {
	salt, verifier, err := s.SrpValues(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.mu.Lock()
			s.authenticated = true
			s.mu.Unlock()
			return nil
		}
		return err
	}
	if len(verifier) == 0 {
		s.mu.Lock()
		s.authenticated = true
		s.mu.Unlock()
		return nil
	}

	if !pkgcrypto.VerifyPassword(password, client, salt, verifier) {
		s.logger.Warn().Str("client", client).Msg("authentication failed")
		return domain.ErrAuthenticationFailed
	}

	s.mu.Lock()
	s.authenticated = true
	s.mu.Unlock()
	s.logger.Debug().Str("client", client).Msg("handle authenticated")
	return nil
}
