// Package recording persists recording records. It is the single source of
// truth for recording status across restarts; the lifecycle coordinator keeps
// only a cache of it in memory.
package recording

import (
	"context"
	"errors"
	"time"
)

// Status is the persisted status of a recording.
type Status string

const (
	StatusRecording Status = "recording"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is an end state.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

var (
	// ErrAlreadyEnded is returned by MarkEnded when the record was already resolved.
	ErrAlreadyEnded = errors.New("recording already ended")
	// ErrNotFound is returned when no record has the given id.
	ErrNotFound = errors.New("recording not found")
)

// Record is one recording session. EndedAt is nil iff Status is StatusRecording.
type Record struct {
	ID            int64      `json:"id"`
	StreamerID    string     `json:"streamer_id"`
	Target        string     `json:"target,omitempty"`
	Quality       string     `json:"quality,omitempty"`
	OutputPath    string     `json:"output_path,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	Status        Status     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// NewRecord is the input to CreateRecording.
type NewRecord struct {
	StreamerID string
	Target     string
	Quality    string
	StartedAt  time.Time
}

// Gateway is the persistence contract used by the lifecycle coordinator.
// Every method is atomic: no partial write is ever observable.
type Gateway interface {
	// CreateRecording inserts an open record (status=recording) and returns its id.
	CreateRecording(ctx context.Context, rec NewRecord) (int64, error)
	// SetOutputPath records where the capture process writes.
	SetOutputPath(ctx context.Context, id int64, path string) error
	// MarkEnded resolves an open record. It returns ErrAlreadyEnded when the
	// record is already terminal, leaving it untouched.
	MarkEnded(ctx context.Context, id int64, endedAt time.Time, status Status, reason string) error
	// QueryOpenRecordings returns every record with status=recording.
	QueryOpenRecordings(ctx context.Context) ([]Record, error)
	Get(ctx context.Context, id int64) (Record, error)
	ListByStreamer(ctx context.Context, streamerID string, limit int) ([]Record, error)
}
