package sqlite

import (
	"context"
	"time"

	relay "github.com/veylan/relay/internal"
)

const bindingCols = `id, user_id, device_id, device_name, platform, refresh_hash, created_at, last_used_at`

// CreateBinding inserts a device binding.
func (s *Store) CreateBinding(ctx context.Context, b *relay.DeviceBinding) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO device_bindings (id, user_id, device_id, device_name, platform, refresh_hash, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.UserID, b.DeviceID, b.DeviceName, b.Platform,
		b.RefreshHash, timeToStr(b.CreatedAt), timeToStr(b.LastUsedAt),
	)
	return err
}

// GetBinding retrieves a device binding by ID.
func (s *Store) GetBinding(ctx context.Context, id string) (*relay.DeviceBinding, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+bindingCols+` FROM device_bindings WHERE id = ?`, id)
	return scanBinding(row)
}

// ListBindings returns all device bindings for a user, newest first.
func (s *Store) ListBindings(ctx context.Context, userID string) ([]*relay.DeviceBinding, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+bindingCols+` FROM device_bindings WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.DeviceBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountBindings returns the number of device bindings for a user.
func (s *Store) CountBindings(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_bindings WHERE user_id = ?`, userID).Scan(&n)
	return n, err
}

// DeleteBinding removes one device binding.
func (s *Store) DeleteBinding(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM device_bindings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "device binding")
}

// DeleteBindingsForUser removes every device binding of a user.
func (s *Store) DeleteBindingsForUser(ctx context.Context, userID string) error {
	_, err := s.write.ExecContext(ctx, `DELETE FROM device_bindings WHERE user_id = ?`, userID)
	return err
}

// DeleteBindingsForDevice removes all bindings of one device of a user.
// Used on re-login and on refresh token reuse detection.
func (s *Store) DeleteBindingsForDevice(ctx context.Context, userID, deviceID string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM device_bindings WHERE user_id = ? AND device_id = ?`, userID, deviceID)
	return err
}

// DeleteOldestBinding evicts the least recently used binding of a user.
func (s *Store) DeleteOldestBinding(ctx context.Context, userID string) error {
	_, err := s.write.ExecContext(ctx,
		`DELETE FROM device_bindings WHERE id = (
		   SELECT id FROM device_bindings WHERE user_id = ? ORDER BY last_used_at ASC LIMIT 1
		 )`, userID)
	return err
}

// RotateRefreshHash swaps the stored refresh hash in one compare-and-swap
// statement. A false return means oldHash was not current: either a
// concurrent rotation won or the presented token was already rotated out.
func (s *Store) RotateRefreshHash(ctx context.Context, bindingID, oldHash, newHash string) (bool, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE device_bindings SET refresh_hash = ?, last_used_at = ?
		 WHERE id = ? AND refresh_hash = ?`,
		newHash, timeToStr(time.Now()), bindingID, oldHash,
	)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// TouchBindingUsed updates the last_used_at timestamp.
func (s *Store) TouchBindingUsed(ctx context.Context, id string) error {
	_, err := s.write.ExecContext(ctx,
		`UPDATE device_bindings SET last_used_at = ? WHERE id = ?`,
		timeToStr(time.Now()), id)
	return err
}

func scanBinding(sc scanner) (*relay.DeviceBinding, error) {
	var b relay.DeviceBinding
	var createdAt, lastUsedAt string
	err := sc.Scan(&b.ID, &b.UserID, &b.DeviceID, &b.DeviceName, &b.Platform,
		&b.RefreshHash, &createdAt, &lastUsedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	b.CreatedAt = parseTime(createdAt)
	b.LastUsedAt = parseTime(lastUsedAt)
	return &b, nil
}
