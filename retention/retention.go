// Package retention prunes output files of finished recordings according to
// a keep-days and/or keep-count policy applied per streamer. Open recordings
// are never considered; the database row is kept and only its output path is
// cleared once the file is gone.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/stream-recorder/recording"
)

// Policy defines which recording files are kept.
type Policy struct {
	// KeepDays: files of recordings started more than this many days ago are eligible (0 = disabled)
	KeepDays int
	// KeepCount: the newest KeepCount files per streamer are always kept (0 = disabled)
	KeepCount int
	// DryRun: log what would be deleted without touching files or the database
	DryRun   bool
	Interval time.Duration
}

// Enabled reports whether any policy is configured.
func (p Policy) Enabled() bool { return p.KeepDays > 0 || p.KeepCount > 0 }

// Store is the persistence the cleanup needs.
type Store interface {
	// ListEndedWithFiles returns resolved recordings with an output path,
	// ordered by streamer and newest first.
	ListEndedWithFiles(ctx context.Context) ([]recording.Record, error)
	ClearOutputPath(ctx context.Context, id int64) error
}

// Result summarizes one cleanup cycle.
type Result struct {
	Cleaned    int
	Skipped    int
	Errors     int
	BytesFreed int64
}

// Run applies the policy every Interval until ctx is done, starting immediately.
func Run(ctx context.Context, store Store, policy Policy) {
	if !policy.Enabled() {
		slog.Info("retention job disabled (no policy configured)", slog.String("component", "retention"))
		return
	}
	interval := policy.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	slog.Info("retention job starting",
		slog.String("component", "retention"),
		slog.Int("keep_days", policy.KeepDays),
		slog.Int("keep_count", policy.KeepCount),
		slog.Bool("dry_run", policy.DryRun),
		slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := Cleanup(ctx, store, policy, time.Now()); err != nil && ctx.Err() == nil {
			slog.Warn("retention cleanup failed", slog.String("component", "retention"), slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped", slog.String("component", "retention"))
			return
		case <-ticker.C:
		}
	}
}

// retained reports whether rec survives the policy. rank is its position
// among the streamer's recordings, newest first.
func retained(p Policy, rec recording.Record, rank int, now time.Time) bool {
	if p.KeepCount > 0 && rank < p.KeepCount {
		return true
	}
	if p.KeepDays > 0 && rec.StartedAt.After(now.Add(-time.Duration(p.KeepDays)*24*time.Hour)) {
		return true
	}
	return false
}

// Cleanup performs a single retention cycle.
func Cleanup(ctx context.Context, store Store, policy Policy, now time.Time) (Result, error) {
	var res Result
	if !policy.Enabled() {
		return res, nil
	}
	logger := slog.Default().With(slog.String("component", "retention"), slog.Bool("dry_run", policy.DryRun))

	recs, err := store.ListEndedWithFiles(ctx)
	if err != nil {
		return res, fmt.Errorf("list recordings with files: %w", err)
	}

	rank := make(map[string]int)
	for _, rec := range recs {
		r := rank[rec.StreamerID]
		rank[rec.StreamerID] = r + 1
		if rec.EndedAt == nil || retained(policy, rec, r, now) {
			res.Skipped++
			continue
		}

		info, err := os.Stat(rec.OutputPath)
		if errors.Is(err, fs.ErrNotExist) {
			// file already gone, just clear the reference
			if !policy.DryRun {
				if err := store.ClearOutputPath(ctx, rec.ID); err != nil {
					logger.Warn("failed to clear reference to missing file", slog.Int64("recording_id", rec.ID), slog.Any("err", err))
				}
			}
			logger.Debug("file already missing", slog.String("path", rec.OutputPath), slog.Int64("recording_id", rec.ID))
			continue
		} else if err != nil {
			logger.Warn("failed to stat file", slog.String("path", rec.OutputPath), slog.Any("err", err))
			res.Errors++
			continue
		}

		attrs := []any{
			slog.String("path", rec.OutputPath),
			slog.Int64("recording_id", rec.ID),
			slog.String("streamer_id", rec.StreamerID),
			slog.Time("started_at", rec.StartedAt),
			slog.Int64("size_bytes", info.Size()),
		}
		if policy.DryRun {
			logger.Info("dry-run: would delete file", attrs...)
			res.Cleaned++
			res.BytesFreed += info.Size()
			continue
		}
		if err := os.Remove(rec.OutputPath); err != nil {
			logger.Warn("failed to delete file", append(attrs, slog.Any("err", err))...)
			res.Errors++
			continue
		}
		if err := store.ClearOutputPath(ctx, rec.ID); err != nil {
			logger.Warn("failed to update db after deletion", append(attrs, slog.Any("err", err))...)
			res.Errors++
			continue
		}
		logger.Info("deleted old recording file", attrs...)
		res.Cleaned++
		res.BytesFreed += info.Size()
	}

	mode := "cleanup"
	if policy.DryRun {
		mode = "dry-run"
	}
	logger.Info("retention cleanup completed",
		slog.String("mode", mode),
		slog.Int("cleaned", res.Cleaned),
		slog.Int("skipped", res.Skipped),
		slog.Int("errors", res.Errors),
		slog.Int64("bytes_freed", res.BytesFreed))
	return res, nil
}
