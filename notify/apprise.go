// Package notify pushes recording events to people through the apprise CLI.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/onnwee/stream-recorder/events"
)

const defaultTimeout = 30 * time.Second

// Apprise sends a notification for every failed recording, and optionally
// for every started one.
type Apprise struct {
	Binary        string
	URLs          []string
	NotifyStarted bool
	Timeout       time.Duration
}

// Enabled reports whether any destination is configured.
func (a *Apprise) Enabled() bool { return len(a.URLs) > 0 }

// Run consumes hub events until ctx is done. If the hub drops the notifier
// for falling behind it resubscribes; missed events are not replayed.
func (a *Apprise) Run(ctx context.Context, hub *events.Hub) {
	logger := slog.Default().With(slog.String("component", "notify"))
	if !a.Enabled() {
		logger.Info("apprise: no urls configured; notifications disabled")
		return
	}
	for ctx.Err() == nil {
		sub := hub.Subscribe()
		a.consume(ctx, sub, logger)
		sub.Close()
	}
}

func (a *Apprise) consume(ctx context.Context, sub *events.Subscription, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				logger.Warn("apprise: event subscription dropped; resubscribing")
				return
			}
			if !a.wants(ev) {
				continue
			}
			if err := a.Send(ctx, ev); err != nil {
				logger.Warn("apprise notification failed", slog.Any("err", err), slog.String("streamer_id", ev.StreamerID), slog.Int64("recording_id", ev.RecordingID))
			}
		}
	}
}

func (a *Apprise) wants(ev events.Event) bool {
	switch ev.Type {
	case events.TypeFailed:
		return true
	case events.TypeStarted:
		return a.NotifyStarted
	}
	return false
}

// Message renders the title and body for ev.
func Message(ev events.Event) (title, body string) {
	switch ev.Type {
	case events.TypeFailed:
		title = fmt.Sprintf("Recording failed: %s", ev.StreamerID)
	case events.TypeStarted:
		title = fmt.Sprintf("Recording started: %s", ev.StreamerID)
	default:
		title = fmt.Sprintf("Recording %s: %s", ev.Type, ev.StreamerID)
	}
	body = fmt.Sprintf("recording %d at %s", ev.RecordingID, ev.Timestamp.UTC().Format(time.RFC3339))
	if ev.Detail != "" {
		body += "\n" + ev.Detail
	}
	return title, body
}

// Send runs apprise once for ev.
func (a *Apprise) Send(ctx context.Context, ev events.Event) error {
	bin := a.Binary
	if bin == "" {
		bin = "apprise"
	}
	timeout := a.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	title, body := Message(ev)
	args := append([]string{"-t", title, "-b", body}, a.URLs...)
	cmd := exec.CommandContext(ctx, bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("apprise: %w: %s", err, strings.TrimSpace(out.String()))
	}
	return nil
}
