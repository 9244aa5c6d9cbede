package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/veylan/relay/internal/ratelimit"
	"github.com/veylan/relay/internal/storage"
)

const (
	sweepInterval = time.Minute
	// gateMaxAge is how long poll-gate entries may outlive their last poll.
	gateMaxAge = 30 * time.Minute
)

// GrantSweeper expires stale device-code grants and trims the poll gate.
// Terminal grants are removed so user codes can be reused.
type GrantSweeper struct {
	grants storage.DeviceCodeStore
	gate   *ratelimit.PollGate
}

// NewGrantSweeper creates a sweeper over the grant store and poll gate.
func NewGrantSweeper(grants storage.DeviceCodeStore, gate *ratelimit.PollGate) *GrantSweeper {
	return &GrantSweeper{grants: grants, gate: gate}
}

// Name returns the worker identifier.
func (w *GrantSweeper) Name() string { return "grant_sweeper" }

// Run sweeps on a fixed interval until ctx is cancelled.
func (w *GrantSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := w.grants.ExpireStaleGrants(ctx, time.Now())
			if err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "grant sweep failed",
					slog.String("error", err.Error()),
				)
			} else if n > 0 {
				slog.Info("grants swept", "count", n)
			}
			if w.gate != nil {
				w.gate.Sweep(gateMaxAge)
			}
		}
	}
}
