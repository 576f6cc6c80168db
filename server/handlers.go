package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/stream-recorder/capture"
	"github.com/onnwee/stream-recorder/lifecycle"
	"github.com/onnwee/stream-recorder/monitor"
	"github.com/onnwee/stream-recorder/recording"
	"github.com/onnwee/stream-recorder/telemetry"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db           *sql.DB
	ctx          context.Context
	coord        Coordinator
	recordings   recording.Gateway
	streamEvents StreamEventHandler
	secret       string
	pollInterval time.Duration
	heartbeatKey string
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		db:           deps.DB,
		ctx:          ctx,
		coord:        deps.Coordinator,
		recordings:   deps.Recordings,
		streamEvents: deps.StreamEvents,
		secret:       deps.EventSubSecret,
		pollInterval: deps.LivePollInterval,
		heartbeatKey: monitor.HeartbeatKey,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorStatus maps coordinator and gateway errors onto HTTP status codes.
func errorStatus(err error) int {
	var le *capture.LaunchError
	switch {
	case errors.Is(err, lifecycle.ErrServiceUnavailable), errors.Is(err, lifecycle.ErrNotReconciled):
		return http.StatusServiceUnavailable
	case errors.Is(err, lifecycle.ErrInvalidStreamer):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrStreamerBusy):
		return http.StatusConflict
	case errors.Is(err, recording.ErrNotFound):
		return http.StatusNotFound
	case errors.As(err, &le):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	logger := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "http"))
	if status >= 500 {
		logger.Error("request failed", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("err", err))
	} else {
		logger.Debug("request rejected", slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("err", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
