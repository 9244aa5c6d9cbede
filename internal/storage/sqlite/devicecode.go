package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/veylan/relay/internal"
)

const grantCols = `device_code, user_code, verification_uri, status, device_id, device_name, platform, user_id, poll_interval, expires_at, created_at`

// CreateGrant inserts a device-code grant.
func (s *Store) CreateGrant(ctx context.Context, g *relay.DeviceCodeGrant) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO device_code_grants
		 (device_code, user_code, verification_uri, status, device_id, device_name, platform, user_id, poll_interval, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.DeviceCode, g.UserCode, g.VerificationURI, g.Status,
		g.DeviceID, g.DeviceName, g.Platform, nullStr(g.UserID),
		g.Interval, timeToStr(g.ExpiresAt), timeToStr(g.CreatedAt),
	)
	return err
}

// GetGrant retrieves a grant by its opaque device code.
func (s *Store) GetGrant(ctx context.Context, deviceCode string) (*relay.DeviceCodeGrant, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+grantCols+` FROM device_code_grants WHERE device_code = ?`, deviceCode)
	return scanGrant(row)
}

// GetGrantByUserCode retrieves a grant by its human-typed user code.
// Lookup is case-insensitive; callers pass the normalized form.
func (s *Store) GetGrantByUserCode(ctx context.Context, userCode string) (*relay.DeviceCodeGrant, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+grantCols+` FROM device_code_grants
		 WHERE user_code = ? ORDER BY created_at DESC LIMIT 1`, userCode)
	return scanGrant(row)
}

// PendingGrantForDevice returns the newest unexpired pending grant for a
// device, so repeated code requests within the window are idempotent.
func (s *Store) PendingGrantForDevice(ctx context.Context, deviceID string, now time.Time) (*relay.DeviceCodeGrant, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+grantCols+` FROM device_code_grants
		 WHERE device_id = ? AND status = ? AND expires_at > ?
		 ORDER BY created_at DESC LIMIT 1`,
		deviceID, relay.GrantPending, timeToStr(now))
	return scanGrant(row)
}

// TransitionGrant moves a grant between states with a compare-and-swap on the
// current status. userID is recorded when non-empty (approval path).
func (s *Store) TransitionGrant(ctx context.Context, deviceCode, from, to, userID string) (bool, error) {
	var result sql.Result
	var err error
	if userID != "" {
		result, err = s.write.ExecContext(ctx,
			`UPDATE device_code_grants SET status = ?, user_id = ?
			 WHERE device_code = ? AND status = ?`,
			to, userID, deviceCode, from)
	} else {
		result, err = s.write.ExecContext(ctx,
			`UPDATE device_code_grants SET status = ?
			 WHERE device_code = ? AND status = ?`,
			to, deviceCode, from)
	}
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// ExpireStaleGrants marks overdue pending/authorized grants expired and
// deletes terminal grants past their deadline.
func (s *Store) ExpireStaleGrants(ctx context.Context, now time.Time) (int64, error) {
	cutoff := timeToStr(now)
	result, err := s.write.ExecContext(ctx,
		`UPDATE device_code_grants SET status = ?
		 WHERE status IN (?, ?) AND expires_at <= ?`,
		relay.GrantExpired, relay.GrantPending, relay.GrantAuthorized, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := result.RowsAffected()

	// Terminal grants are useless once expired; reclaim the rows.
	_, err = s.write.ExecContext(ctx,
		`DELETE FROM device_code_grants
		 WHERE status IN (?, ?, ?) AND expires_at <= ?`,
		relay.GrantConsumed, relay.GrantDenied, relay.GrantExpired, cutoff)
	return n, err
}

// UserCodeActive reports whether a user code is held by any unexpired grant.
func (s *Store) UserCodeActive(ctx context.Context, userCode string, now time.Time) (bool, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_code_grants
		 WHERE user_code = ? AND expires_at > ? AND status IN (?, ?)`,
		userCode, timeToStr(now), relay.GrantPending, relay.GrantAuthorized,
	).Scan(&n)
	return n > 0, err
}

func scanGrant(sc scanner) (*relay.DeviceCodeGrant, error) {
	var g relay.DeviceCodeGrant
	var userID sql.NullString
	var expiresAt, createdAt string
	err := sc.Scan(&g.DeviceCode, &g.UserCode, &g.VerificationURI, &g.Status,
		&g.DeviceID, &g.DeviceName, &g.Platform, &userID,
		&g.Interval, &expiresAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	g.UserID = userID.String
	g.ExpiresAt = parseTime(expiresAt)
	g.CreatedAt = parseTime(createdAt)
	return &g, nil
}
