// Package server exposes the operational HTTP API: health, readiness, metrics,
// recording commands, the live event WebSocket and the Twitch EventSub webhook.
// It injects correlation IDs into request contexts for consistent logging.
package server

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/stream-recorder/config"
	"github.com/onnwee/stream-recorder/events"
	"github.com/onnwee/stream-recorder/lifecycle"
	"github.com/onnwee/stream-recorder/recording"
	"github.com/onnwee/stream-recorder/telemetry"
	"github.com/onnwee/stream-recorder/twitchapi"
)

// Coordinator is the part of the lifecycle coordinator the API drives.
type Coordinator interface {
	RequestStart(ctx context.Context, streamerID, target string, opts lifecycle.StartOptions) (int64, error)
	RequestStop(ctx context.Context, streamerID, reason string) error
	ListActive() []lifecycle.State
	Get(streamerID string) lifecycle.State
	Forget(streamerID string) error
	Reconciled() bool
}

// StreamEventHandler receives verified stream.online / stream.offline notifications.
type StreamEventHandler interface {
	HandleStreamEvent(ctx context.Context, subType string, ev twitchapi.StreamEvent)
}

// Deps are the collaborators the HTTP handlers need. DB and StreamEvents may be nil.
type Deps struct {
	DB           *sql.DB
	Coordinator  Coordinator
	Recordings   recording.Gateway
	Hub          *events.Hub
	StreamEvents StreamEventHandler
	// EventSubSecret enables /webhooks/twitch when set.
	EventSubSecret string
	// Access guards the recording commands and sets CORS.
	Access config.Access
	// LivePollInterval, when set, makes /readyz report the poller heartbeat.
	LivePollInterval time.Duration
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the command limiter's eviction goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	handlers := NewHandlers(ctx, deps)

	// commands mutate recordings, so they sit behind auth and rate limiting
	protect := newCommandGuard(ctx, deps.Access).wrap

	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /healthz", handlers.HandleHealthz)
	mux.HandleFunc("GET /readyz", handlers.HandleReadyz)

	mux.HandleFunc("GET /recordings/active", handlers.HandleActive)
	mux.HandleFunc("GET /recordings/{id}", handlers.HandleRecording)

	mux.HandleFunc("GET /streamers/{id}", handlers.HandleStreamerState)
	mux.HandleFunc("GET /streamers/{id}/recordings", handlers.HandleStreamerRecordings)
	mux.Handle("POST /streamers/{id}/start", protect(handlers.HandleStart))
	mux.Handle("POST /streamers/{id}/stop", protect(handlers.HandleStop))
	mux.Handle("DELETE /streamers/{id}", protect(handlers.HandleForget))

	if deps.Hub != nil {
		mux.Handle("GET /ws", events.NewWSHandler(deps.Hub, func() any { return deps.Coordinator.ListActive() }))
	}
	if deps.EventSubSecret != "" {
		mux.HandleFunc("POST /webhooks/twitch", handlers.HandleEventSub)
	} else {
		slog.Info("eventsub webhook disabled: TWITCH_EVENTSUB_SECRET not set", slog.String("component", "http"))
	}

	// Wrap with correlation ID injector and tracing middleware
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORS(handler, deps.Access)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:        addr,
		Handler:     NewMux(ctx, deps),
		ReadTimeout: 5 * time.Second,
		// no WriteTimeout: /ws connections are long lived and the start
		// command can wait out the capture startup window
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
