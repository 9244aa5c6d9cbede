package sqlite

import (
	"context"
	"time"

	relay "github.com/veylan/relay/internal"
)

// CreateSessionToken stores the hash of a locally minted transcription bearer.
func (s *Store) CreateSessionToken(ctx context.Context, t *relay.SessionToken) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO session_tokens (id, user_id, provider, token_hash, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Provider, t.TokenHash,
		timeToStr(t.ExpiresAt), timeToStr(t.CreatedAt),
	)
	return err
}

// DeleteExpiredSessionTokens reclaims expired transcription bearers.
func (s *Store) DeleteExpiredSessionTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM session_tokens WHERE expires_at <= ?`, timeToStr(now))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
