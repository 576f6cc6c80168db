// Package monitor watches Twitch channels and drives the lifecycle
// coordinator: a channel going live requests a start, a channel going offline
// stops the recording the monitor started.
package monitor

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/stream-recorder/db"
	"github.com/onnwee/stream-recorder/lifecycle"
	"github.com/onnwee/stream-recorder/telemetry"
	"github.com/onnwee/stream-recorder/twitchapi"
)

const (
	// HeartbeatKey is the kv row updated after every successful poll.
	HeartbeatKey = "job_live_poll_last"

	DefaultInterval = 30 * time.Second
	OfflineReason   = "stream offline"
	maxConcurrent   = 4
)

// StreamLister reports which channels are live.
type StreamLister interface {
	GetStreams(ctx context.Context, logins ...string) ([]twitchapi.Stream, error)
}

// Recorder is the part of the coordinator the monitor drives.
type Recorder interface {
	RequestStart(ctx context.Context, streamerID, target string, opts lifecycle.StartOptions) (int64, error)
	RequestStop(ctx context.Context, streamerID, reason string) error
}

// LivePoller polls Helix for the configured channels.
type LivePoller struct {
	Streams  StreamLister
	Recorder Recorder
	Channels []string
	Interval time.Duration
	Quality  string
	// DB, if set, receives the poll heartbeat.
	DB *sql.DB

	mu    sync.Mutex
	owned map[string]bool // streamers this poller started
}

// Run polls until ctx is done.
func (p *LivePoller) Run(ctx context.Context) {
	if len(p.Channels) == 0 {
		slog.Info("live poller: no channels configured; abort", slog.String("component", "monitor"))
		return
	}
	every := p.Interval
	if every <= 0 {
		every = DefaultInterval
	}
	slog.Info("live poller started", slog.String("component", "monitor"), slog.Duration("interval", every), slog.Int("channels", len(p.Channels)))
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("live poll failed", slog.String("component", "monitor"), slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce checks every channel once and issues the resulting start/stop requests.
func (p *LivePoller) PollOnce(ctx context.Context) error {
	telemetry.Init()
	streams, err := p.Streams.GetStreams(ctx, p.Channels...)
	if err != nil {
		telemetry.LivePolls.WithLabelValues("error").Inc()
		return err
	}
	telemetry.LivePolls.WithLabelValues("ok").Inc()

	live := make(map[string]twitchapi.Stream, len(streams))
	for _, s := range streams {
		live[strings.ToLower(s.UserLogin)] = s
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for _, ch := range p.Channels {
		id := strings.ToLower(ch)
		if s, ok := live[id]; ok {
			g.Go(func() error {
				p.start(gctx, id, s)
				return nil
			})
		} else if p.isOwned(id) {
			g.Go(func() error {
				p.stop(gctx, id)
				return nil
			})
		}
	}
	_ = g.Wait()

	if p.DB != nil {
		if err := db.SetKV(ctx, p.DB, HeartbeatKey, time.Now().UTC().Format(time.RFC3339)); err != nil {
			slog.Debug("live poll heartbeat write failed", slog.Any("err", err))
		}
	}
	return nil
}

func (p *LivePoller) start(ctx context.Context, id string, s twitchapi.Stream) {
	logger := slog.Default().With(slog.String("component", "monitor"), slog.String("streamer_id", id))
	recID, err := p.Recorder.RequestStart(ctx, id, id, lifecycle.StartOptions{Quality: p.Quality})
	switch {
	case err == nil:
		if !p.isOwned(id) {
			logger.Info("channel live; recording", slog.Int64("recording_id", recID), slog.String("title", s.Title))
		}
		p.setOwned(id, true)
	case errors.Is(err, lifecycle.ErrServiceUnavailable):
		logger.Warn("channel live but capture unavailable; retrying next poll", slog.Any("err", err))
	default:
		logger.Error("start recording failed", slog.Any("err", err))
	}
}

func (p *LivePoller) stop(ctx context.Context, id string) {
	if err := p.Recorder.RequestStop(ctx, id, OfflineReason); err != nil {
		slog.Error("stop recording failed", slog.String("component", "monitor"), slog.String("streamer_id", id), slog.Any("err", err))
		return
	}
	slog.Info("channel offline; recording stopped", slog.String("component", "monitor"), slog.String("streamer_id", id))
	p.setOwned(id, false)
}

func (p *LivePoller) isOwned(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owned[id]
}

func (p *LivePoller) setOwned(id string, v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owned == nil {
		p.owned = make(map[string]bool)
	}
	if v {
		p.owned[id] = true
	} else {
		delete(p.owned, id)
	}
}

// HandleStreamEvent applies an EventSub stream.online/offline notification
// the same way a poll result would.
func (p *LivePoller) HandleStreamEvent(ctx context.Context, subType string, ev twitchapi.StreamEvent) {
	id := strings.ToLower(ev.BroadcasterUserLogin)
	if id == "" {
		return
	}
	switch subType {
	case twitchapi.SubscriptionStreamOnline:
		p.start(ctx, id, twitchapi.Stream{UserLogin: id, UserID: ev.BroadcasterUserID})
	case twitchapi.SubscriptionStreamOffline:
		if p.isOwned(id) {
			p.stop(ctx, id)
		}
	}
}
