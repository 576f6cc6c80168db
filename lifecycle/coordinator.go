// Package lifecycle owns the per-streamer recording state machine. It is the
// only writer of recording status: it decides when a capture process starts,
// how a stop is carried out, and how every exit is resolved into a persisted
// outcome and a published event.
//
// Each streamer has its own mutex; operations on different streamers never
// wait on each other. Persistence always happens before the in-memory state is
// committed and before the matching event is published.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/stream-recorder/capture"
	"github.com/onnwee/stream-recorder/events"
	"github.com/onnwee/stream-recorder/recording"
	"github.com/onnwee/stream-recorder/telemetry"
)

const (
	// DefaultStopGrace bounds how long a stop waits for the process to exit
	// before the forced kill.
	DefaultStopGrace = 10 * time.Second
	DefaultQuality   = "best"

	persistTimeout  = 10 * time.Second
	persistAttempts = 3
)

// Prober checks that the capture tool and its upstream are usable.
type Prober interface {
	Check(ctx context.Context) error
}

// cachingProber is a Prober that remembers success; capture.Preflight is one.
type cachingProber interface {
	Invalidate()
}

// Publisher receives lifecycle events. Publish must not block.
type Publisher interface {
	Publish(ev events.Event)
}

// Config wires a Coordinator.
type Config struct {
	Gateway   recording.Gateway
	Launcher  capture.Launcher
	Preflight Prober    // optional
	Events    Publisher // optional

	StopGrace      time.Duration
	DefaultQuality string
	OutputTemplate string

	// OnTransition, if set, observes every committed status change.
	OnTransition func(streamerID string, from, to Status)
	Now          func() time.Time
}

// StartOptions are per-request capture settings.
type StartOptions struct {
	Quality        string
	OutputTemplate string
}

type pendingEnd struct {
	outcome recording.Status
	reason  string
	endedAt time.Time
}

type slot struct {
	mu      sync.Mutex
	removed bool
	state   State
	handle  capture.Handle

	stopRequested bool
	stopReason    string

	// pending is set when a terminal write failed; the slot stays failed until
	// the write goes through.
	pending *pendingEnd
}

// Coordinator drives recordings for any number of streamers.
type Coordinator struct {
	gateway   recording.Gateway
	launcher  capture.Launcher
	preflight Prober
	events    Publisher
	store     *Store

	stopGrace      time.Duration
	defaultQuality string
	outputTemplate string
	onTransition   func(string, Status, Status)
	now            func() time.Time
	log            *slog.Logger

	slotsMu sync.Mutex
	slots   map[string]*slot

	reconcileMu sync.Mutex
	reconciled  atomic.Bool

	watchers sync.WaitGroup
}

// New returns a coordinator. ReconcileOnStartup must run before it accepts
// start or stop requests.
func New(cfg Config) *Coordinator {
	telemetry.Init()
	c := &Coordinator{
		gateway:        cfg.Gateway,
		launcher:       cfg.Launcher,
		preflight:      cfg.Preflight,
		events:         cfg.Events,
		store:          NewStore(),
		stopGrace:      cfg.StopGrace,
		defaultQuality: cfg.DefaultQuality,
		outputTemplate: cfg.OutputTemplate,
		onTransition:   cfg.OnTransition,
		now:            cfg.Now,
		log:            slog.Default().With(slog.String("component", "lifecycle")),
		slots:          make(map[string]*slot),
	}
	if c.stopGrace <= 0 {
		c.stopGrace = DefaultStopGrace
	}
	if c.defaultQuality == "" {
		c.defaultQuality = DefaultQuality
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Reconciled reports whether startup reconciliation has completed.
func (c *Coordinator) Reconciled() bool { return c.reconciled.Load() }

// slotFor returns the slot for streamerID locked, creating it if needed.
func (c *Coordinator) slotFor(streamerID string) *slot {
	for {
		c.slotsMu.Lock()
		sl, ok := c.slots[streamerID]
		if !ok {
			sl = &slot{state: State{StreamerID: streamerID, Status: StatusIdle}}
			c.slots[streamerID] = sl
		}
		c.slotsMu.Unlock()

		sl.mu.Lock()
		if !sl.removed {
			return sl
		}
		sl.mu.Unlock()
	}
}

// existingSlot returns the slot for streamerID locked, or nil if the streamer
// was never seen.
func (c *Coordinator) existingSlot(streamerID string) *slot {
	for {
		c.slotsMu.Lock()
		sl, ok := c.slots[streamerID]
		c.slotsMu.Unlock()
		if !ok {
			return nil
		}
		sl.mu.Lock()
		if !sl.removed {
			return sl
		}
		sl.mu.Unlock()
	}
}

// transition commits a status change for the slot. Caller holds sl.mu.
func (c *Coordinator) transition(sl *slot, to Status, mutate func(*State)) bool {
	from := sl.state.Status
	if !CanTransition(from, to) {
		c.log.Error("illegal state transition rejected",
			slog.String("streamer_id", sl.state.StreamerID),
			slog.String("from", string(from)),
			slog.String("to", string(to)))
		return false
	}
	st := sl.state
	if mutate != nil {
		mutate(&st)
	}
	st.Status = to
	st.LastTransitionAt = c.now()
	if to == StatusIdle {
		st = State{StreamerID: st.StreamerID, Status: StatusIdle, LastTransitionAt: st.LastTransitionAt}
	}
	sl.state = st
	c.store.commit(st)
	telemetry.SetActiveRecordings(c.store.ActiveCount())
	if c.onTransition != nil {
		c.onTransition(st.StreamerID, from, to)
	}
	return true
}

// update commits field changes without a status change. Caller holds sl.mu.
func (c *Coordinator) update(sl *slot, mutate func(*State)) {
	st := sl.state
	mutate(&st)
	sl.state = st
	c.store.commit(st)
}

func (c *Coordinator) publish(typ events.Type, streamerID string, recordingID int64, detail string) {
	telemetry.EventsPublished.WithLabelValues(string(typ)).Inc()
	if c.events == nil {
		return
	}
	c.events.Publish(events.Event{
		Type:        typ,
		StreamerID:  streamerID,
		RecordingID: recordingID,
		Timestamp:   c.now(),
		Detail:      detail,
	})
}

// persistCtx detaches terminal writes from the caller's cancellation.
func persistCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

// RequestStart begins recording streamerID from target. If the streamer
// already has an open recording its id is returned and nothing else happens.
// A failed preflight returns ErrServiceUnavailable without persisting anything.
func (c *Coordinator) RequestStart(ctx context.Context, streamerID, target string, opts StartOptions) (int64, error) {
	if !c.reconciled.Load() {
		return 0, ErrNotReconciled
	}
	if streamerID == "" {
		return 0, ErrInvalidStreamer
	}
	if target == "" {
		target = streamerID
	}
	ctx, span := telemetry.StartSpan(ctx, "lifecycle", "lifecycle.RequestStart", telemetry.StreamerAttr(streamerID))
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "lifecycle"), slog.String("streamer_id", streamerID))

	sl := c.slotFor(streamerID)
	defer sl.mu.Unlock()

	if err := c.settlePending(ctx, sl); err != nil {
		telemetry.RecordError(span, err)
		return 0, err
	}
	if sl.state.Status != StatusIdle {
		logger.Debug("start ignored; recording already open", slog.Int64("recording_id", sl.state.RecordingID), slog.String("status", string(sl.state.Status)))
		return sl.state.RecordingID, nil
	}

	if c.preflight != nil {
		if err := c.preflight.Check(ctx); err != nil {
			telemetry.StartsRejected.WithLabelValues("preflight").Inc()
			logger.Warn("start rejected by preflight", slog.Any("err", err))
			err = fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
			telemetry.RecordError(span, err)
			return 0, err
		}
	}

	quality := opts.Quality
	if quality == "" {
		quality = c.defaultQuality
	}
	tmpl := opts.OutputTemplate
	if tmpl == "" {
		tmpl = c.outputTemplate
	}
	startedAt := c.now()
	c.transition(sl, StatusStarting, func(st *State) {
		st.Target = target
		st.Quality = quality
		st.StartedAt = startedAt
	})

	id, err := c.gateway.CreateRecording(ctx, recording.NewRecord{StreamerID: streamerID, Target: target, Quality: quality, StartedAt: startedAt})
	if err != nil {
		// nothing persisted, nothing to announce
		c.transition(sl, StatusFailed, nil)
		c.transition(sl, StatusIdle, nil)
		telemetry.StartsRejected.WithLabelValues("persistence").Inc()
		logger.Error("create recording failed", slog.Any("err", err))
		err = fmt.Errorf("create recording: %w", err)
		telemetry.RecordError(span, err)
		return 0, err
	}
	span.SetAttributes(telemetry.RecordingAttr(id))
	c.update(sl, func(st *State) { st.RecordingID = id })

	var h capture.Handle
	telemetry.TimeFunc(telemetry.LaunchDuration, func() {
		h, err = c.launcher.Start(ctx, target, capture.Options{Quality: quality, OutputTemplate: tmpl, StreamerID: streamerID, RecordingID: id})
	})
	if err != nil {
		kind := capture.ClassifyLaunchError(err)
		logger.Warn("capture launch failed", slog.Int64("recording_id", id), slog.String("kind", kind.String()), slog.Any("err", err))
		if kind == capture.FailureAuth || kind == capture.FailureMissingBinary {
			// the next start must re-check the binary and credentials
			if p, ok := c.preflight.(cachingProber); ok {
				p.Invalidate()
			}
		}
		c.transition(sl, StatusFailed, nil)
		if perr := c.resolve(ctx, sl, recording.StatusFailed, err.Error(), kind); perr != nil {
			logger.Error("persist launch failure", slog.Int64("recording_id", id), slog.Any("err", perr))
		}
		telemetry.RecordError(span, err)
		return 0, err
	}

	sl.handle = h
	sl.stopRequested = false
	sl.stopReason = ""
	if out := h.OutputPath(); out != "" {
		pctx, cancel := persistCtx(ctx)
		if err := c.gateway.SetOutputPath(pctx, id, out); err != nil {
			logger.Warn("record output path failed", slog.Int64("recording_id", id), slog.Any("err", err))
		}
		cancel()
	}
	c.transition(sl, StatusRecording, func(st *State) { st.OutputPath = h.OutputPath() })
	telemetry.RecordingsStarted.Inc()
	c.publish(events.TypeStarted, streamerID, id, "")
	logger.Info("recording started", slog.Int64("recording_id", id), slog.String("target", target), slog.String("quality", quality), slog.Int("pid", h.PID()))

	c.watchers.Add(1)
	go c.watch(streamerID, h)
	telemetry.SetSpanSuccess(span)
	return id, nil
}

func (c *Coordinator) watch(streamerID string, h capture.Handle) {
	defer c.watchers.Done()
	<-h.Done()
	c.OnProcessExit(streamerID, h.Exit())
}

// RequestStop ends the streamer's recording. It is a no-op when nothing is
// recording or a stop is already in progress. It waits up to the stop grace
// for the process to exit; past that it returns and the exit is resolved when
// the process finally dies.
func (c *Coordinator) RequestStop(ctx context.Context, streamerID, reason string) error {
	if !c.reconciled.Load() {
		return ErrNotReconciled
	}
	ctx, span := telemetry.StartSpan(ctx, "lifecycle", "lifecycle.RequestStop", telemetry.StreamerAttr(streamerID))
	defer span.End()

	sl := c.existingSlot(streamerID)
	if sl == nil {
		return nil
	}
	defer sl.mu.Unlock()

	if err := c.settlePending(ctx, sl); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if sl.state.Status != StatusRecording {
		return nil
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "lifecycle"), slog.String("streamer_id", streamerID), slog.Int64("recording_id", sl.state.RecordingID))
	span.SetAttributes(telemetry.RecordingAttr(sl.state.RecordingID))

	sl.stopRequested = true
	sl.stopReason = reason
	c.transition(sl, StatusStopping, nil)

	h := sl.handle
	if h == nil {
		return c.resolve(ctx, sl, recording.StatusCompleted, reason, capture.FailureUnknown)
	}
	h.Stop(c.stopGrace)
	timer := time.NewTimer(c.stopGrace)
	defer timer.Stop()
	select {
	case <-h.Done():
		return c.finishExit(ctx, sl, h.Exit())
	case <-timer.C:
		logger.Warn("capture process still running after stop grace; forced kill issued", slog.Duration("grace", c.stopGrace))
		return nil
	}
}

// OnProcessExit resolves the exit of a capture process. Exits of handles that
// are no longer current are ignored, so each exit is resolved at most once.
func (c *Coordinator) OnProcessExit(streamerID string, exit capture.ExitInfo) {
	sl := c.existingSlot(streamerID)
	if sl == nil {
		return
	}
	defer sl.mu.Unlock()
	if sl.handle == nil || sl.handle.ID() != exit.HandleID {
		c.log.Debug("stale process exit ignored", slog.String("streamer_id", streamerID), slog.String("handle_id", exit.HandleID))
		return
	}
	if err := c.finishExit(context.Background(), sl, exit); err != nil {
		c.log.Error("resolve process exit failed", slog.String("streamer_id", streamerID), slog.Any("err", err))
	}
}

// finishExit decides the outcome of an exited process. Caller holds sl.mu.
func (c *Coordinator) finishExit(ctx context.Context, sl *slot, exit capture.ExitInfo) error {
	sl.handle = nil
	if sl.stopRequested {
		if exit.Clean() || sl.stopReason != "" {
			return c.resolve(ctx, sl, recording.StatusCompleted, sl.stopReason, capture.FailureUnknown)
		}
		c.transition(sl, StatusFailed, nil)
		return c.resolve(ctx, sl, recording.StatusFailed, exit.Reason(), capture.ClassifyOutput(exit.Tail))
	}
	reason := "capture exited unexpectedly: " + exit.Reason()
	c.log.Warn("capture process exited without a stop request",
		slog.String("streamer_id", sl.state.StreamerID),
		slog.Int64("recording_id", sl.state.RecordingID),
		slog.Int("exit_code", exit.ExitCode),
		slog.Bool("signaled", exit.Signaled),
		slog.String("tail", exit.Tail))
	c.transition(sl, StatusFailed, nil)
	return c.resolve(ctx, sl, recording.StatusFailed, reason, capture.ClassifyOutput(exit.Tail))
}

// resolve persists the terminal outcome of the slot's recording, then moves
// the slot to idle and publishes. If the write keeps failing the slot stays
// failed with the outcome pending. Caller holds sl.mu.
func (c *Coordinator) resolve(ctx context.Context, sl *slot, outcome recording.Status, reason string, kind capture.FailureKind) error {
	p := &pendingEnd{outcome: outcome, reason: reason, endedAt: c.now()}
	if err := c.markEnded(ctx, sl.state.RecordingID, p); err != nil {
		if sl.state.Status != StatusFailed {
			c.transition(sl, StatusFailed, nil)
		}
		sl.pending = p
		return fmt.Errorf("persist %s outcome: %w", outcome, err)
	}
	c.settled(sl, p, kind)
	return nil
}

// settlePending retries a terminal write that failed earlier. Caller holds sl.mu.
func (c *Coordinator) settlePending(ctx context.Context, sl *slot) error {
	p := sl.pending
	if p == nil {
		return nil
	}
	if err := c.markEnded(ctx, sl.state.RecordingID, p); err != nil {
		return fmt.Errorf("recording %d outcome still unpersisted: %w", sl.state.RecordingID, err)
	}
	sl.pending = nil
	c.settled(sl, p, capture.FailureUnknown)
	return nil
}

func (c *Coordinator) settled(sl *slot, p *pendingEnd, kind capture.FailureKind) {
	streamerID := sl.state.StreamerID
	id := sl.state.RecordingID
	if !sl.state.StartedAt.IsZero() {
		telemetry.RecordingDuration.Observe(p.endedAt.Sub(sl.state.StartedAt).Seconds())
	}
	sl.handle = nil
	sl.stopRequested = false
	sl.stopReason = ""
	c.transition(sl, StatusIdle, nil)

	typ := events.TypeStopped
	if p.outcome == recording.StatusFailed {
		typ = events.TypeFailed
		telemetry.RecordingsFailed.WithLabelValues(kind.String()).Inc()
	} else {
		telemetry.RecordingsCompleted.Inc()
	}
	c.publish(typ, streamerID, id, p.reason)
	c.log.Info("recording ended", slog.String("streamer_id", streamerID), slog.Int64("recording_id", id), slog.String("status", string(p.outcome)), slog.String("reason", p.reason))
}

// markEnded writes the terminal status with a few retries. A record that is
// already ended or gone counts as resolved.
func (c *Coordinator) markEnded(ctx context.Context, id int64, p *pendingEnd) error {
	var err error
	backoff := 200 * time.Millisecond
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		pctx, cancel := persistCtx(ctx)
		err = c.gateway.MarkEnded(pctx, id, p.endedAt, p.outcome, p.reason)
		cancel()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, recording.ErrAlreadyEnded):
			c.log.Debug("recording already ended", slog.Int64("recording_id", id))
			return nil
		case errors.Is(err, recording.ErrNotFound):
			c.log.Warn("recording vanished before it was ended", slog.Int64("recording_id", id))
			return nil
		}
		if attempt < persistAttempts {
			// the streamer lock is held; do not outlive the caller
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w (retries abandoned: %v)", err, ctx.Err())
			}
			backoff *= 2
		}
	}
	return err
}

// ListActive returns the committed state of every streamer with an open
// recording. It never waits on an in-flight operation.
func (c *Coordinator) ListActive() []State { return c.store.Active() }

// Get returns the committed state of one streamer. Unknown streamers are idle.
func (c *Coordinator) Get(streamerID string) State {
	if st, ok := c.store.Get(streamerID); ok {
		return st
	}
	return State{StreamerID: streamerID, Status: StatusIdle}
}

// Forget drops an idle streamer's slot.
func (c *Coordinator) Forget(streamerID string) error {
	sl := c.existingSlot(streamerID)
	if sl == nil {
		return nil
	}
	defer sl.mu.Unlock()
	if sl.state.Status != StatusIdle || sl.pending != nil {
		return ErrStreamerBusy
	}
	sl.removed = true
	c.slotsMu.Lock()
	if c.slots[streamerID] == sl {
		delete(c.slots, streamerID)
	}
	c.slotsMu.Unlock()
	c.store.remove(streamerID)
	return nil
}

// Wait blocks until every process watcher has returned or ctx is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.watchers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
