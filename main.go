// Command stream-recorder runs the recording lifecycle service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Resolves recordings left open by a previous run before accepting commands.
//   - Starts optional background jobs: Helix live polling, the Redis event relay,
//     Apprise notifications and recording file retention.
//   - Exposes the HTTP API (commands, /ws, /healthz, /readyz, /metrics).
//
// Shutdown is graceful on SIGINT/SIGTERM: active recordings are stopped and
// resolved before the process exits.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/stream-recorder/capture"
	"github.com/onnwee/stream-recorder/config"
	"github.com/onnwee/stream-recorder/db"
	"github.com/onnwee/stream-recorder/events"
	"github.com/onnwee/stream-recorder/lifecycle"
	"github.com/onnwee/stream-recorder/monitor"
	"github.com/onnwee/stream-recorder/notify"
	"github.com/onnwee/stream-recorder/recording"
	"github.com/onnwee/stream-recorder/retention"
	"github.com/onnwee/stream-recorder/server"
	"github.com/onnwee/stream-recorder/telemetry"
	"github.com/onnwee/stream-recorder/twitchapi"
)

// ShutdownReason is recorded on recordings stopped because the service is exiting.
const ShutdownReason = "shutdown"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("stream-recorder", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; fall back to the embedded idempotent schema
	// when the migrations directory is not shipped alongside the binary.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, applying embedded schema", slog.Any("err", err), slog.String("component", "db_migrate"))
		mctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = db.Migrate(mctx, database)
		cancel()
		if err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var tokens *twitchapi.TokenSource
	if err := cfg.ValidateTwitchReady(); err == nil {
		tokens = &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	}

	hub := events.NewHub(events.DefaultBuffer)
	hub.OnDrop = func(id string) {
		telemetry.EventSubscribersDropped.Inc()
		slog.Warn("event subscriber dropped: buffer full", slog.String("subscriber_id", id), slog.String("component", "events"))
	}
	hub.OnCount = telemetry.SetEventSubscribers

	preflight := &capture.Preflight{Binary: cfg.StreamlinkBin, TTL: cfg.PreflightTTL}
	if tokens != nil {
		preflight.Tokens = tokens
	}

	recordings := recording.NewPostgresGateway(database)
	coord := lifecycle.New(lifecycle.Config{
		Gateway: recordings,
		Launcher: &capture.Streamlink{
			Binary:        cfg.StreamlinkBin,
			DataDir:       cfg.DataDir,
			TwitchOAuth:   cfg.StreamlinkTwitchOAuth,
			DisableAds:    cfg.DisableAds,
			StartupWindow: cfg.StartupWindow,
			TailLines:     cfg.TailLines,
		},
		Preflight:      preflight,
		Events:         hub,
		StopGrace:      cfg.StopGrace,
		DefaultQuality: cfg.StreamlinkQuality,
		OutputTemplate: cfg.OutputTemplate,
	})

	// Nothing may observe or command recordings until every record left open
	// by a previous process is resolved.
	rctx, cancel := context.WithTimeout(ctx, time.Minute)
	err = coord.ReconcileOnStartup(rctx)
	cancel()
	if err != nil {
		slog.Error("startup reconciliation failed", slog.Any("err", err))
		os.Exit(1)
	}

	if cfg.RedisAddr != "" {
		rc, err := events.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			slog.Warn("redis unavailable; event relay disabled", slog.Any("err", err), slog.String("addr", cfg.RedisAddr))
		} else {
			defer func() { _ = rc.Close() }()
			go (&events.RedisRelay{Client: rc, Channel: cfg.RedisChannel}).Run(ctx, hub)
		}
	}

	go (&notify.Apprise{Binary: cfg.AppriseBin, URLs: cfg.AppriseURLs, NotifyStarted: cfg.AppriseNotifyStarted}).Run(ctx, hub)

	poller := &monitor.LivePoller{
		Recorder: coord,
		Channels: cfg.TwitchChannels,
		Interval: cfg.LivePollInterval,
		Quality:  cfg.StreamlinkQuality,
		DB:       database,
	}
	if cfg.LivePollingEnabled() {
		helix := &twitchapi.HelixClient{AppTokenSource: tokens, ClientID: cfg.TwitchClientID}
		poller.Streams = helix
		poller.Channels = monitor.ResolveChannels(ctx, helix, cfg.TwitchChannels)
		go poller.Run(ctx)
	} else {
		slog.Info("live polling disabled (set TWITCH_CHANNELS, TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET)", slog.String("component", "monitor"))
	}

	go retention.Run(ctx, recordings, retention.Policy{
		KeepDays:  cfg.RetentionKeepDays,
		KeepCount: cfg.RetentionKeepCount,
		DryRun:    cfg.RetentionDryRun,
		Interval:  cfg.RetentionInterval,
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	var pollInterval time.Duration
	if cfg.LivePollingEnabled() {
		pollInterval = cfg.LivePollInterval
	}

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		err := server.Start(ctx, server.Deps{
			DB:               database,
			Coordinator:      coord,
			Recordings:       recordings,
			Hub:              hub,
			StreamEvents:     poller,
			EventSubSecret:   cfg.TwitchEventSubSecret,
			Access:           cfg.Access,
			LivePollInterval: pollInterval,
		}, cfg.HTTPAddr)
		if err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down", slog.Int("active_recordings", len(coord.ListActive())))

	sctx, cancel := context.WithTimeout(context.Background(), cfg.StopGrace+15*time.Second)
	defer cancel()
	if err := coord.StopAll(sctx, ShutdownReason); err != nil {
		slog.Error("stopping active recordings", slog.Any("err", err))
	}
	<-serverDone
	slog.Info("shutdown complete")
}
