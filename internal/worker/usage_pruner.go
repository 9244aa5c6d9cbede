package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/veylan/relay/internal/storage"
)

const pruneInterval = time.Hour

// UsagePruner deletes usage rows past the retention window and expired
// session tokens. A zero retention keeps usage forever.
type UsagePruner struct {
	usage     storage.UsageStore
	sessions  storage.SessionTokenStore
	retention time.Duration
}

// NewUsagePruner creates a pruner. retentionDays <= 0 disables usage pruning;
// session token cleanup always runs.
func NewUsagePruner(usage storage.UsageStore, sessions storage.SessionTokenStore, retentionDays int) *UsagePruner {
	var retention time.Duration
	if retentionDays > 0 {
		retention = time.Duration(retentionDays) * 24 * time.Hour
	}
	return &UsagePruner{usage: usage, sessions: sessions, retention: retention}
}

// Name returns the worker identifier.
func (w *UsagePruner) Name() string { return "usage_pruner" }

// Run prunes on a fixed interval until ctx is cancelled.
func (w *UsagePruner) Run(ctx context.Context) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.prune(ctx)
		}
	}
}

func (w *UsagePruner) prune(ctx context.Context) {
	now := time.Now()
	if w.retention > 0 {
		n, err := w.usage.DeleteUsageBefore(ctx, now.Add(-w.retention))
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "usage prune failed",
				slog.String("error", err.Error()),
			)
		} else if n > 0 {
			slog.Info("usage rows pruned", "count", n)
		}
	}
	if w.sessions != nil {
		if _, err := w.sessions.DeleteExpiredSessionTokens(ctx, now); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "session token prune failed",
				slog.String("error", err.Error()),
			)
		}
	}
}
