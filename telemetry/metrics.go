// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	RecordingsStarted       prometheus.Counter
	RecordingsCompleted     prometheus.Counter
	RecordingsFailed        *prometheus.CounterVec // label: kind
	StartsRejected          *prometheus.CounterVec // label: reason
	RecordingsReconciled    prometheus.Counter
	EventsPublished         *prometheus.CounterVec // label: type
	EventSubscribersDropped prometheus.Counter
	LivePolls               *prometheus.CounterVec // label: result

	// Histograms (seconds)
	LaunchDuration    prometheus.Observer
	RecordingDuration prometheus.Observer

	// Gauges
	ActiveRecordings prometheus.Gauge
	EventSubscribers prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		RecordingsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_recordings_started_total", Help: "Number of recordings whose capture process came up"})
		RecordingsCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_recordings_completed_total", Help: "Number of recordings ended by a stop request"})
		RecordingsFailed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "recorder_recordings_failed_total", Help: "Number of recordings that ended in failure"}, []string{"kind"})
		StartsRejected = promauto.NewCounterVec(prometheus.CounterOpts{Name: "recorder_starts_rejected_total", Help: "Start requests rejected before anything was persisted"}, []string{"reason"})
		RecordingsReconciled = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_recordings_reconciled_total", Help: "Open recordings marked failed by startup reconciliation"})
		EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{Name: "recorder_events_published_total", Help: "Lifecycle events published to the hub"}, []string{"type"})
		EventSubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "recorder_event_subscribers_dropped_total", Help: "Subscribers disconnected for falling behind"})
		LivePolls = promauto.NewCounterVec(prometheus.CounterOpts{Name: "recorder_live_polls_total", Help: "Live status polls by result"}, []string{"result"})
		LaunchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recorder_capture_launch_duration_seconds", Help: "Time from launch to a confirmed capture process", Buckets: prometheus.DefBuckets})
		RecordingDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "recorder_recording_duration_seconds", Help: "Wall time of ended recordings", Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800}})
		ActiveRecordings = promauto.NewGauge(prometheus.GaugeOpts{Name: "recorder_active_recordings", Help: "Streamers currently starting, recording or stopping"})
		EventSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "recorder_event_subscribers", Help: "Current number of event subscribers"})
	})
}

// SetActiveRecordings records the current number of open recordings.
func SetActiveRecordings(n int) {
	if ActiveRecordings != nil {
		ActiveRecordings.Set(float64(n))
	}
}

// SetEventSubscribers records the current subscriber count.
func SetEventSubscribers(n int) {
	if EventSubscribers != nil {
		EventSubscribers.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
