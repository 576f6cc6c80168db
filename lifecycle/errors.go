package lifecycle

import "errors"

var (
	// ErrServiceUnavailable means the capture tool or its upstream rejected the
	// preflight check. Nothing was mutated or persisted; callers may retry.
	ErrServiceUnavailable = errors.New("capture service unavailable")
	// ErrNotReconciled is returned for commands issued before ReconcileOnStartup.
	ErrNotReconciled = errors.New("startup reconciliation has not completed")
	// ErrStreamerBusy is returned by Forget while a recording is open.
	ErrStreamerBusy = errors.New("streamer has an open recording")
	// ErrInvalidStreamer is returned for an empty streamer id.
	ErrInvalidStreamer = errors.New("streamer id is required")
)

// ReasonInterrupted is the failure reason stored on records found open at startup.
const ReasonInterrupted = "interrupted by restart"
