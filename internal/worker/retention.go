package worker

import (
	"context"
	"log/slog"
	"time"
)

// RetentionStore defines the cleanup operations the retention worker needs.
// Implemented by SQLiteStore.
type RetentionStore interface {
	CleanExpiredIdempotency(ctx context.Context) (int64, error)
	PurgeResolvedConflicts(ctx context.Context, before time.Time) (int64, error)
	PruneChangeLog(ctx context.Context, before time.Time) (int64, error)
	PruneAppliedMutations(ctx context.Context, before time.Time) (int64, error)
}

// RetentionWorker periodically deletes expired sync bookkeeping: resolved
// conflicts past their audit window, old change log entries, stale mutation
// dedupe rows, and expired push idempotency caches.
type RetentionWorker struct {
	store              RetentionStore
	interval           time.Duration
	conflictRetention  time.Duration
	changeLogRetention time.Duration
}

// NewRetentionWorker creates a retention worker.
func NewRetentionWorker(
	s RetentionStore,
	interval time.Duration,
	conflictRetention time.Duration,
	changeLogRetention time.Duration,
) *RetentionWorker {
	return &RetentionWorker{
		store:              s,
		interval:           interval,
		conflictRetention:  conflictRetention,
		changeLogRetention: changeLogRetention,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
//
// The first sweep waits for the first ticker interval; deletes are
// IO-intensive and nothing expires in the first minutes of uptime.
func (w *RetentionWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "retention",
		"action", "worker_started",
		"interval", w.interval.String(),
		"conflict_retention", w.conflictRetention.String(),
		"change_log_retention", w.changeLogRetention.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "retention",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep runs one cleanup pass, continuing past individual failures.
func (w *RetentionWorker) sweep(ctx context.Context) {
	start := time.Now()
	now := start.UTC()

	idempotency := w.runStep(ctx, "idempotency", func() (int64, error) {
		return w.store.CleanExpiredIdempotency(ctx)
	})
	conflicts := w.runStep(ctx, "conflicts", func() (int64, error) {
		return w.store.PurgeResolvedConflicts(ctx, now.Add(-w.conflictRetention))
	})
	changeLog := w.runStep(ctx, "change_log", func() (int64, error) {
		return w.store.PruneChangeLog(ctx, now.Add(-w.changeLogRetention))
	})
	// Dedupe rows follow the change log window: a device offline longer than
	// that needs a fresh seed anyway, so its retries no longer matter.
	mutations := w.runStep(ctx, "applied_mutations", func() (int64, error) {
		return w.store.PruneAppliedMutations(ctx, now.Add(-w.changeLogRetention))
	})

	total := idempotency + conflicts + changeLog + mutations
	if total > 0 {
		slog.Info("retention sweep completed",
			"component", "worker",
			"worker", "retention",
			"action", "cycle_complete",
			"idempotency_removed", idempotency,
			"conflicts_purged", conflicts,
			"change_log_pruned", changeLog,
			"mutations_pruned", mutations,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// runStep executes one cleanup operation, logging failures without aborting
// the sweep.
func (w *RetentionWorker) runStep(ctx context.Context, step string, fn func() (int64, error)) int64 {
	if ctx.Err() != nil {
		return 0 // Graceful shutdown
	}
	n, err := fn()
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		slog.Error("retention step failed",
			"component", "worker",
			"worker", "retention",
			"action", "step_failed",
			"step", step,
			"error", err,
		)
		return 0
	}
	return n
}
