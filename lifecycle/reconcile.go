package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stream-recorder/recording"
	"github.com/onnwee/stream-recorder/telemetry"
)

// ReconcileOnStartup marks every recording left open by a previous run as
// failed and sets those streamers idle. It runs once; later calls return nil.
// Start and stop requests are refused until it succeeds.
func (c *Coordinator) ReconcileOnStartup(ctx context.Context) error {
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()
	if c.reconciled.Load() {
		return nil
	}
	ctx, span := telemetry.StartSpan(ctx, "lifecycle", "lifecycle.ReconcileOnStartup")
	defer span.End()

	open, err := c.gateway.QueryOpenRecordings(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("query open recordings: %w", err)
	}
	now := c.now()
	for _, rec := range open {
		err := c.gateway.MarkEnded(ctx, rec.ID, now, recording.StatusFailed, ReasonInterrupted)
		if err != nil && !errors.Is(err, recording.ErrAlreadyEnded) {
			telemetry.RecordError(span, err)
			return fmt.Errorf("mark recording %d interrupted: %w", rec.ID, err)
		}
		sl := c.slotFor(rec.StreamerID)
		sl.state = State{StreamerID: rec.StreamerID, Status: StatusIdle, LastTransitionAt: now}
		sl.handle = nil
		sl.pending = nil
		c.store.commit(sl.state)
		sl.mu.Unlock()
		telemetry.RecordingsReconciled.Inc()
		c.log.Warn("open recording from previous run marked failed",
			slog.String("streamer_id", rec.StreamerID),
			slog.Int64("recording_id", rec.ID),
			slog.Time("started_at", rec.StartedAt))
	}
	telemetry.SetActiveRecordings(c.store.ActiveCount())
	c.reconciled.Store(true)
	c.log.Info("startup reconciliation complete", slog.Int("interrupted", len(open)))
	telemetry.SetSpanSuccess(span)
	return nil
}

// StopAll requests a stop for every streamer with an open recording and
// waits for their capture processes to exit or ctx to end.
func (c *Coordinator) StopAll(ctx context.Context, reason string) error {
	active := c.ListActive()
	g, gctx := errgroup.WithContext(ctx)
	for _, st := range active {
		streamerID := st.StreamerID
		g.Go(func() error {
			return c.RequestStop(gctx, streamerID, reason)
		})
	}
	err := g.Wait()
	if werr := c.Wait(ctx); werr != nil && err == nil {
		err = werr
	}
	if len(active) > 0 {
		c.log.Info("stopped all recordings", slog.Int("count", len(active)), slog.String("reason", reason))
	}
	return err
}
