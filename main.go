// Command streammeta is the broadcast-metadata automation service. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs idempotent migrations, and restores
//     persisted platform credentials.
//   - Opens the Twitch session and the Bluesky client, wires the publish
//     pipeline and the title updater, and optionally connects to OBS.
//   - Exposes the HTTP API with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/castforge/streammeta/bluesky"
	"github.com/castforge/streammeta/config"
	"github.com/castforge/streammeta/credstore"
	"github.com/castforge/streammeta/crypto"
	"github.com/castforge/streammeta/db"
	"github.com/castforge/streammeta/kvstore"
	"github.com/castforge/streammeta/obs"
	"github.com/castforge/streammeta/publish"
	"github.com/castforge/streammeta/server"
	"github.com/castforge/streammeta/session"
	"github.com/castforge/streammeta/telemetry"
	"github.com/castforge/streammeta/title"
	"github.com/castforge/streammeta/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	initLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("streammeta", "1.0.0")
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
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Credential records are sealed at rest when ENCRYPTION_KEY is set.
	var box *crypto.Box
	if key := os.Getenv("ENCRYPTION_KEY"); key != "" {
		box, err = crypto.New(key)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("credential encryption enabled")
	}

	kv := kvstore.NewPostgres(database)
	creds := credstore.New(kv, box)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := &twitchapi.Client{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	sess, err := session.Open(ctx, api, creds, kv, session.Options{
		RedirectURI: cfg.TwitchRedirectURI,
		Scopes:      cfg.TwitchScopes,
		Timeout:     cfg.RequestTimeout,
	})
	if err != nil {
		slog.Error("twitch session open failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer sess.Close()
	if err := cfg.ValidateTwitchReady(); err != nil {
		slog.Warn("twitch authorization flow unavailable", slog.Any("err", err))
	}

	bsky := bluesky.NewClient(cfg.BlueskyService, creds)
	bsky.Timeout = cfg.RequestTimeout
	if err := bsky.EnsureSession(ctx); err != nil {
		slog.Info("bluesky session will connect on first publish", slog.Any("err", err))
	}

	handlers := &server.Handlers{
		DB:      database,
		Twitch:  sess,
		Bluesky: bsky,
		Creds:   creds,
		KV:      kv,
		Pipe:    publish.New(bsky, kv, cfg.RequestTimeout),
		Titler:  title.New(sess, api, kv),
		DataDir: cfg.DataDir,
	}

	// Scene control is optional; without OBS_ADDRESS the routes answer 503.
	if err := cfg.ValidateOBSReady(); err == nil {
		studio := obs.NewClient(cfg.OBSAddress, cfg.OBSPassword, cfg.RequestTimeout)
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := studio.Connect(cctx); err != nil {
			slog.Warn("obs connect failed, scene control disabled", slog.Any("err", err))
		} else {
			handlers.Studio = studio
			defer studio.Close()
			slog.Info("obs connected", slog.String("address", cfg.OBSAddress))
		}
		cancel()
	}

	slog.Info("http server starting", slog.String("addr", cfg.ListenAddr))
	if err := server.Start(ctx, handlers, cfg.ListenAddr); err != nil {
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

// initLogging configures slog from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func initLogging() {
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
	var handler slog.Handler
	switch strings.ToLower(os.Getenv("LOG_FORMAT")) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))
}
