// Command rankbadges runs the background rank service and, optionally, a
// headless chat tab. It:
//   - Loads configuration and initializes structured logging, metrics and tracing.
//   - Opens the persisted key/value store (memory, Postgres or Redis).
//   - Starts the background service: rank cache, rank backend client, badge
//     icons, viewer identity and Helix game detection.
//   - Serves the HTTP surface: /ws messaging, /healthz, /readyz, /metrics, admin.
//   - With WATCH_CHANNEL set, joins that channel's chat anonymously and runs the
//     annotation pipeline against it.
//
// Shutdown is graceful on SIGINT/SIGTERM.
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
	"golang.org/x/sync/errgroup"

	"github.com/eloward/rankbadges/background"
	"github.com/eloward/rankbadges/badgeicon"
	"github.com/eloward/rankbadges/chat"
	"github.com/eloward/rankbadges/config"
	"github.com/eloward/rankbadges/identity"
	"github.com/eloward/rankbadges/messaging"
	"github.com/eloward/rankbadges/pipeline"
	"github.com/eloward/rankbadges/rankapi"
	"github.com/eloward/rankbadges/server"
	"github.com/eloward/rankbadges/store"
	"github.com/eloward/rankbadges/telemetry"
	"github.com/eloward/rankbadges/twitchapi"
)

var version = "dev"

func main() {
	// local dev convenience only; production relies on real env
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	setupLogging(cfg)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("rankbadges", version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kv, err := store.Open(ctx, cfg.StoreBackend, cfg.DBDsn, cfg.RedisURL)
	if err != nil {
		slog.Error("failed to open store", slog.String("backend", cfg.StoreBackend), slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			slog.Error("failed to close store", slog.Any("err", err))
		}
	}()

	httpClient := &http.Client{Timeout: cfg.BackendTimeout}
	backend := rankapi.New(cfg.RankAPIURL, cfg.SubscriptionAPIURL, httpClient)
	icons := badgeicon.New(cfg.BadgeCDNURL, cfg.BadgeIconVersion, kv, httpClient)

	var helix *twitchapi.HelixClient
	opts := background.Options{
		CacheMaxSize: cfg.RankCacheMaxSize,
		CacheTTL:     cfg.RankCacheTTL,
		Backend:      backend,
		Icons:        icons,
		Identity:     identity.New(kv),
	}
	if cfg.HelixEnabled() {
		helix = &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, HTTPClient: httpClient},
			ClientID:       cfg.TwitchClientID,
			HTTPClient:     httpClient,
		}
		opts.Games = helix
		slog.Info("remote game detection enabled", slog.String("component", "twitchapi"))
	} else {
		slog.Info("remote game detection disabled (TWITCH_CLIENT_ID/TWITCH_CLIENT_SECRET not set), falling back to page scraping")
	}

	svc := background.New(ctx, opts)
	defer svc.Close()

	if cfg.ViewerLogin != "" {
		if err := svc.SetCurrentUser(ctx, messaging.SetCurrentUser{Participant: cfg.ViewerLogin}); err != nil {
			slog.Warn("failed to set viewer", slog.String("login", cfg.ViewerLogin), slog.Any("err", err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var tab *pipeline.Tab
	if cfg.WatchChannel != "" {
		host, err := chat.NewHost(cfg.WatchChannel, chat.DefaultMaxLines)
		if err != nil {
			slog.Error("invalid WATCH_CHANNEL", slog.String("channel", cfg.WatchChannel), slog.Any("err", err))
			os.Exit(1)
		}
		client := messaging.NewClient(messaging.NewLocal(messaging.NewRouter(svc)))
		cdn := cfg.BadgeCDNURL
		if cdn == "" {
			cdn = badgeicon.DefaultCDNURL
		}
		tab = pipeline.New(host.Document(), client, pipeline.Config{
			DedupMaxSize:  cfg.DedupMaxSize,
			FallbackDelay: cfg.FallbackDelay,
			ProbeWindow:   cfg.ProbeWindow,
			CDNURL:        cdn,
		})
		tab.Start(gctx)
		defer tab.Stop()

		var streams chat.StreamSource
		if helix != nil {
			streams = helix
		}
		alwaysOn := cfg.WatchAlwaysOn || streams == nil
		g.Go(func() error {
			chat.StartAutoHost(gctx, host, streams, cfg.WatchPollInterval, alwaysOn)
			return nil
		})
		slog.Info("watching chat", slog.String("channel", host.Channel()), slog.Bool("always_on", alwaysOn))
	}

	if os.Getenv("ENABLE_PPROF") == "1" {
		startPprof(getEnv("PPROF_ADDR", "localhost:6060"))
	}

	handler := server.NewRouter(gctx, server.Deps{
		Config:  cfg,
		Service: svc,
		Store:   kv,
		Breaker: backend.BreakerState,
		Tabs: func() []server.TabStatus {
			if tab == nil {
				return nil
			}
			return []server.TabStatus{server.TabStatusOf(tab.Session())}
		},
	})
	g.Go(func() error { return server.Start(gctx, cfg.HTTPAddr, handler) })

	if err := g.Wait(); err != nil {
		slog.Error("service exited with error", slog.Any("err", err))
		stop()
		os.Exit(1)
	}
	slog.Info("shutting down")
}

// setupLogging installs the default slog handler. Defaults: level=info, format=text.
func setupLogging(cfg *config.Config) {
	lvl := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", cfg.LogLevel))
	}
	format := strings.ToLower(cfg.LogFormat)
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func startPprof(addr string) {
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
