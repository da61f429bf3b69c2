// Package worker contains the background loops that keep the sync surfaces
// fresh: periodic seed bundle generation for offline bootstrap and retention
// sweeps over conflicts, the change log, and idempotency caches.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"

	"github.com/hyperengineering/sitrep/internal/archive"
	"github.com/hyperengineering/sitrep/internal/store"
	"github.com/hyperengineering/sitrep/internal/types"
)

// seedFileName is the stable name devices fetch; each refresh replaces it
// atomically.
const seedFileName = "current.seed"

// SeedStore defines the store operations the seed worker needs.
// This interface allows testing with mock implementations.
type SeedStore interface {
	CollectSeedBundle(ctx context.Context) (*types.SeedBundle, error)
	SetSyncMeta(ctx context.Context, key, value string) error
}

// SeedWorker periodically assembles the reference dataset into a compressed
// bundle on disk so field devices can bootstrap without replaying the change
// log. The uploader is optional; if nil, no archive upload is attempted.
type SeedWorker struct {
	store     SeedStore
	dir       string
	interval  time.Duration
	uploader  archive.Uploader
	onRefresh func(generatedAt time.Time)
}

// NewSeedWorker creates a seed worker writing bundles under dir.
// onRefresh, if non-nil, is called after each successful refresh.
func NewSeedWorker(
	s SeedStore,
	dir string,
	interval time.Duration,
	uploader archive.Uploader,
	onRefresh func(generatedAt time.Time),
) *SeedWorker {
	return &SeedWorker{
		store:     s,
		dir:       dir,
		interval:  interval,
		uploader:  uploader,
		onRefresh: onRefresh,
	}
}

// Run starts the worker loop. Blocks until ctx is cancelled.
//
// Unlike the retention worker, this refreshes immediately on start: field
// devices bootstrap from the seed, so one must exist as soon as the server
// is up.
func (w *SeedWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "seed",
		"action", "worker_started",
		"interval", w.interval.String(),
		"dir", w.dir,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.refresh(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "seed",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

// refresh assembles, compresses, and publishes one seed bundle.
// Returns true if the bundle was written.
func (w *SeedWorker) refresh(ctx context.Context) bool {
	start := time.Now()

	bundle, err := w.store.CollectSeedBundle(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false // Graceful shutdown, don't log as error
		}
		slog.Error("seed collection failed",
			"component", "worker",
			"worker", "seed",
			"action", "seed_failed",
			"error", err,
		)
		return false
	}

	raw, err := json.Marshal(bundle)
	if err != nil {
		slog.Error("seed encoding failed",
			"component", "worker",
			"worker", "seed",
			"action", "seed_failed",
			"error", err,
		)
		return false
	}
	compressed := snappy.Encode(nil, raw)

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		slog.Error("seed directory creation failed",
			"component", "worker",
			"worker", "seed",
			"action", "seed_failed",
			"dir", w.dir,
			"error", err,
		)
		return false
	}

	// Write to a temp file and rename so readers never see a partial bundle.
	path := filepath.Join(w.dir, seedFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		slog.Error("seed write failed",
			"component", "worker",
			"worker", "seed",
			"action", "seed_failed",
			"path", tmp,
			"error", err,
		)
		return false
	}
	if err := os.Rename(tmp, path); err != nil {
		slog.Error("seed rename failed",
			"component", "worker",
			"worker", "seed",
			"action", "seed_failed",
			"path", path,
			"error", err,
		)
		return false
	}

	stamp := bundle.GeneratedAt.Format(time.RFC3339Nano)
	if err := w.store.SetSyncMeta(ctx, store.MetaSeedGeneratedAt, stamp); err != nil {
		slog.Error("seed meta update failed",
			"component", "worker",
			"worker", "seed",
			"action", "seed_failed",
			"error", err,
		)
		return false
	}
	if err := w.store.SetSyncMeta(ctx, store.MetaSeedPath, path); err != nil {
		slog.Error("seed meta update failed",
			"component", "worker",
			"worker", "seed",
			"action", "seed_failed",
			"error", err,
		)
		return false
	}

	if w.uploader != nil {
		w.uploadSeed(ctx, path, bundle.GeneratedAt)
	}

	if w.onRefresh != nil {
		w.onRefresh(bundle.GeneratedAt)
	}

	slog.Info("seed refresh completed",
		"component", "worker",
		"worker", "seed",
		"action", "seed_refreshed",
		"entities", len(bundle.Entities),
		"incidents", len(bundle.Incidents),
		"assessments", len(bundle.Assessments),
		"bytes_raw", len(raw),
		"bytes_compressed", len(compressed),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}

// uploadSeed pushes the bundle to archive storage.
// Upload failures are logged as warnings but are NOT fatal; the local bundle
// remains valid.
func (w *SeedWorker) uploadSeed(ctx context.Context, path string, generatedAt time.Time) {
	key := fmt.Sprintf("seeds/sitrep-%s.seed", generatedAt.Format("20060102-150405"))
	if err := w.uploader.Upload(ctx, key, path); err != nil {
		slog.Warn("seed upload failed",
			"component", "worker",
			"worker", "seed",
			"action", "seed_upload_failed",
			"key", key,
			"error", err,
		)
		return
	}
	if err := w.store.SetSyncMeta(ctx, store.MetaSeedObjectKey, key); err != nil {
		slog.Warn("seed object key update failed",
			"component", "worker",
			"worker", "seed",
			"action", "seed_upload_failed",
			"error", err,
		)
		return
	}
	slog.Info("seed uploaded",
		"component", "worker",
		"worker", "seed",
		"action", "seed_uploaded",
		"key", key,
	)
}
