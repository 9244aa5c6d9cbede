package worker

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Runner supervises the gateway's background loops (usage recording, grant
// sweeping, retention pruning) as one unit with a shared lifetime.
type Runner struct {
	workers []Worker
}

// NewRunner collects the workers to supervise.
func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

// Run starts every worker and blocks until all have returned. The first
// failure cancels the group's context; the others are expected to drain and
// exit, and that first error is what Run returns.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range r.workers {
		name := workerName(w)
		g.Go(func() error {
			slog.Info("worker started", "worker", name)
			err := w.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("worker failed", "worker", name, "error", err)
			}
			return err
		})
	}
	return g.Wait()
}

// workerName labels log lines without widening the Worker interface.
func workerName(w Worker) string {
	switch w.(type) {
	case *UsageRecorder:
		return "usage_recorder"
	case *GrantSweeper:
		return "grant_sweeper"
	case *UsagePruner:
		return "usage_pruner"
	default:
		return "unknown"
	}
}
