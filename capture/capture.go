// Package capture runs the external capture tool (streamlink) as a child
// process, one per active recording, and reports when it exits.
//
// A Launcher starts processes and returns a Handle. The Handle is owned by a
// single caller (the lifecycle coordinator); its Done channel is closed exactly
// once when the process exits, after which Exit returns stable information
// including a bounded tail of the process output.
package capture

import (
	"context"
	"fmt"
	"time"
)

// Options controls how a capture process is launched.
type Options struct {
	// Quality is the stream quality selector passed to streamlink (e.g. "best", "720p60").
	Quality string
	// OutputTemplate is the output path template; see ExpandOutput for placeholders.
	OutputTemplate string
	// StreamerID and RecordingID are substituted into the output template.
	StreamerID  string
	RecordingID int64
	// ExtraArgs are appended before the URL.
	ExtraArgs []string
}

// ExitInfo describes how a capture process ended.
type ExitInfo struct {
	HandleID string
	ExitCode int
	// Signaled is true when the process was terminated by a signal.
	Signaled bool
	// Tail is the last lines of combined stdout/stderr (bounded).
	Tail     string
	Err      string
	ExitedAt time.Time
}

// Clean reports whether the process exited with status 0.
func (e ExitInfo) Clean() bool { return e.ExitCode == 0 && !e.Signaled && e.Err == "" }

// Reason returns a short human readable failure description.
func (e ExitInfo) Reason() string {
	switch {
	case e.Tail != "":
		return fmt.Sprintf("exit code %d: %s", e.ExitCode, lastLine(e.Tail))
	case e.Signaled:
		return "terminated by signal"
	case e.Err != "":
		return e.Err
	default:
		return fmt.Sprintf("exit code %d", e.ExitCode)
	}
}

// Handle is a running capture process.
type Handle interface {
	ID() string
	PID() int
	OutputPath() string
	// Stop asks the process to terminate and escalates to a forced kill after
	// grace. It does not wait for the process to exit.
	Stop(grace time.Duration)
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Exit returns exit information; only meaningful after Done is closed.
	Exit() ExitInfo
}

// Launcher starts capture processes.
type Launcher interface {
	Start(ctx context.Context, target string, opts Options) (Handle, error)
}

// LaunchError is returned when a capture process could not be started or was
// rejected during its startup window.
type LaunchError struct {
	Target string
	Reason string
	Tail   string
	Err    error
}

func (e *LaunchError) Error() string {
	msg := "capture launch failed for " + e.Target + ": " + e.Reason
	if e.Tail != "" {
		msg += ": " + lastLine(e.Tail)
	}
	return msg
}

func (e *LaunchError) Unwrap() error { return e.Err }
