package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/veylan/relay/internal"
)

const adminKeyCols = `id, provider, encrypted_key, is_active, usage_count, last_used_at, created_at`

// UpsertAdminKey stores an encrypted provider key. An active key for the same
// provider is deactivated first so the partial unique index holds.
func (s *Store) UpsertAdminKey(ctx context.Context, k *relay.AdminAPIKey) error {
	if k.IsActive {
		if _, err := s.write.ExecContext(ctx,
			`UPDATE admin_api_keys SET is_active = 0 WHERE provider = ? AND is_active = 1`,
			k.Provider); err != nil {
			return err
		}
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO admin_api_keys (id, provider, encrypted_key, is_active, usage_count, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Provider, k.EncryptedKey, boolToInt(k.IsActive),
		k.UsageCount, timePtrToStr(k.LastUsedAt), timeToStr(k.CreatedAt),
	)
	return err
}

// GetActiveAdminKey returns the active key for a provider.
func (s *Store) GetActiveAdminKey(ctx context.Context, provider string) (*relay.AdminAPIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+adminKeyCols+` FROM admin_api_keys WHERE provider = ? AND is_active = 1`,
		provider)
	return scanAdminKey(row)
}

// ListAdminKeys returns all provider keys, active and inactive.
func (s *Store) ListAdminKeys(ctx context.Context) ([]*relay.AdminAPIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+adminKeyCols+` FROM admin_api_keys ORDER BY provider, created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.AdminAPIKey
	for rows.Next() {
		k, err := scanAdminKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// DeactivateAdminKey marks a key inactive. The ciphertext is retained for audit.
func (s *Store) DeactivateAdminKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE admin_api_keys SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "admin key")
}

// TouchAdminKeyUsed bumps the usage counter and last-used timestamp of the
// provider's active key.
func (s *Store) TouchAdminKeyUsed(ctx context.Context, provider string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE admin_api_keys SET usage_count = usage_count + 1, last_used_at = ?
		 WHERE provider = ? AND is_active = 1`,
		timeToStr(time.Now()), provider)
	return err
}

func scanAdminKey(sc scanner) (*relay.AdminAPIKey, error) {
	var k relay.AdminAPIKey
	var isActive int
	var lastUsedAt sql.NullString
	var createdAt string
	err := sc.Scan(&k.ID, &k.Provider, &k.EncryptedKey, &isActive,
		&k.UsageCount, &lastUsedAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.IsActive = isActive != 0
	k.LastUsedAt = parseTimePtr(lastUsedAt)
	k.CreatedAt = parseTime(createdAt)
	return &k, nil
}
