package sqlite

import (
	"context"
	"strings"
	"time"

	relay "github.com/veylan/relay/internal"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []relay.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 7
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.UserID, r.Action, r.Provider, r.Model,
			r.TokensUsed, timeToStr(r.CreatedAt),
		)
	}

	query := `INSERT INTO usage_logs (id, user_id, action, provider, model, tokens_used, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// CountActionsSince returns the number of usage rows for one user and action
// at or after the given instant. RFC3339 UTC strings compare lexicographically.
func (s *Store) CountActionsSince(ctx context.Context, userID, action string, since time.Time) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_logs
		 WHERE user_id = ? AND action = ? AND created_at >= ?`,
		userID, action, timeToStr(since),
	).Scan(&n)
	return n, err
}

// DeleteUsageBefore prunes usage rows older than the cutoff.
func (s *Store) DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM usage_logs WHERE created_at < ?`, timeToStr(cutoff))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
