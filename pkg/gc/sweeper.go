// Package gc reconciles the blob store against the metadata index: it
// removes orphan blobs no record points at and prunes dangling records
// whose blob is gone.
package gc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jacktea/depot/pkg/blob"
	"github.com/jacktea/depot/pkg/meta"
	"github.com/jacktea/depot/pkg/xerrors"
)

// Options configures a Sweeper.
type Options struct {
	Store meta.Store
	Blobs blob.Store
	// Lister enumerates stored blobs, usually the same value as Blobs.
	Lister blob.Lister
	// MinAge protects recently written blobs from sweeps: an upload that
	// has written its blob but not yet inserted its record looks like an
	// orphan until the insert lands.
	MinAge time.Duration
	Log    *slog.Logger
}

// SweepStats summarises one pass.
type SweepStats struct {
	OrphanBlobs     int
	DanglingRecords int
}

// Sweeper performs the reconciliation passes.
type Sweeper struct {
	store  meta.Store
	blobs  blob.Store
	lister blob.Lister
	minAge time.Duration
	log    *slog.Logger
}

// NewSweeper wires the metadata and blob stores for garbage collection.
func NewSweeper(opts Options) *Sweeper {
	if opts.MinAge <= 0 {
		opts.MinAge = time.Hour
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Sweeper{
		store:  opts.Store,
		blobs:  opts.Blobs,
		lister: opts.Lister,
		minAge: opts.MinAge,
		log:    opts.Log,
	}
}

// Sweep performs one best-effort pass over both directions.
func (s *Sweeper) Sweep(ctx context.Context) (SweepStats, error) {
	if s.store == nil || s.blobs == nil || s.lister == nil {
		return SweepStats{}, fmt.Errorf("gc sweeper missing dependencies")
	}
	var stats SweepStats

	records, err := s.store.List(ctx)
	if err != nil {
		return stats, err
	}
	live := make(map[blob.Ref]meta.FileRecord, len(records))
	for _, record := range records {
		live[record.StorageRef] = record
	}

	infos, err := s.lister.Refs(ctx)
	if err != nil {
		return stats, err
	}
	cutoff := time.Now().Add(-s.minAge)
	seen := make(map[blob.Ref]struct{}, len(infos))
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		seen[info.Ref] = struct{}{}
		if _, ok := live[info.Ref]; ok {
			continue
		}
		if info.ModTime.After(cutoff) {
			continue
		}
		if err := s.blobs.Remove(ctx, info.Ref); err != nil {
			return stats, err
		}
		stats.OrphanBlobs++
		s.log.Info("orphan blob removed", "ref", string(info.Ref))
	}

	for ref, record := range live {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		// Record points at a blob that no longer exists. Confirm before
		// pruning; the listing may have raced a fresh write.
		exists, err := s.blobs.Exists(ctx, ref)
		if err != nil || exists {
			continue
		}
		if record.UploadedAt.After(cutoff) {
			continue
		}
		if err := s.store.Remove(ctx, record.ID); err != nil && xerrors.KindOf(err) != xerrors.KindNotFound {
			return stats, err
		}
		stats.DanglingRecords++
		s.log.Warn("dangling record pruned", "id", record.ID, "ref", string(ref))
	}
	return stats, nil
}

// Start launches a background sweep loop until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) context.CancelFunc {
	if interval <= 0 {
		interval = time.Minute
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			stats, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("gc sweep failed", "error", err)
			} else if stats != (SweepStats{}) {
				s.log.Info("gc sweep finished",
					"orphan_blobs", stats.OrphanBlobs,
					"dangling_records", stats.DanglingRecords)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}
