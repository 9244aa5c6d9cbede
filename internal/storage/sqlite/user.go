package sqlite

import (
	"context"
	"strings"

	relay "github.com/veylan/relay/internal"
)

const userCols = `id, name, email, role, plan, password_hash, oauth_provider, created_at`

// CreateUser inserts a new user account. A duplicate email surfaces as
// relay.ErrEmailExists.
func (s *Store) CreateUser(ctx context.Context, u *relay.User) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO users (id, name, email, role, plan, password_hash, oauth_provider, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, strings.ToLower(u.Email), u.Role, u.Plan,
		u.PasswordHash, u.OAuthProvider, timeToStr(u.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return relay.ErrEmailExists
	}
	return err
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*relay.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetUserByEmail retrieves a user by email (case-insensitive).
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*relay.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+userCols+` FROM users WHERE email = ?`, strings.ToLower(email))
	return scanUser(row)
}

func scanUser(sc scanner) (*relay.User, error) {
	var u relay.User
	var createdAt string
	err := sc.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &u.Plan,
		&u.PasswordHash, &u.OAuthProvider, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}
