// Command repubengine is the main entrypoint for the re-publishing service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Wires the source downloader, ffmpeg locator, LLM/moderation/VAD/ASR
//     adapters, subtitle translator, and sink uploader into the Pipeline
//     Engine.
//   - Starts background jobs: the Pipeline Engine's pending-task scanner,
//     the Discovery Scheduler, and the Housekeeping Sweeper.
//   - Exposes the Submission API (/tasks, /healthz, /readyz, /metrics).
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/subculture-collective/repubengine/asr"
	"github.com/subculture-collective/repubengine/config"
	"github.com/subculture-collective/repubengine/db"
	"github.com/subculture-collective/repubengine/discovery"
	"github.com/subculture-collective/repubengine/downloader"
	"github.com/subculture-collective/repubengine/engine"
	"github.com/subculture-collective/repubengine/ffmpeg"
	"github.com/subculture-collective/repubengine/housekeeping"
	"github.com/subculture-collective/repubengine/llm"
	"github.com/subculture-collective/repubengine/moderation"
	"github.com/subculture-collective/repubengine/server"
	"github.com/subculture-collective/repubengine/subtitle"
	"github.com/subculture-collective/repubengine/task"
	"github.com/subculture-collective/repubengine/telemetry"
	"github.com/subculture-collective/repubengine/uploader"
	"github.com/subculture-collective/repubengine/vad"
)

// sinkSessionTarget keys the persisted sink-uploader session row (spec
// §4.13's single upload host identity). sinkSessionLifetime is a
// conservative assumed lifetime for a cookie-jar-only login, since the sink
// does not report an expiry; StartRefresher re-logs-in well before it lapses.
const (
	sinkSessionTarget   = "acfun-publish"
	sinkSessionLifetime = 12 * time.Hour
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

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

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	live := config.NewLive(cfg)

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("repubengine", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Create a context for migration
	migrationCtx := context.Background()
	if err := db.Migrate(migrationCtx, database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Adapters
	ffmpegLocator := ffmpeg.New(cfg.FfmpegPath, cfg.FfmpegBundledDir)
	downloadAdapter := downloader.New(cfg.SourceDownloaderPath, cfg.CookieJarPath)
	llmClient := llm.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	moderationClient := moderation.New(cfg.ModerationBaseURL, cfg.ModerationAPIKey, cfg.ModerationService)
	vadProcessor := vad.New(cfg.FfmpegPath, 0, vad.NewRemoteModel(cfg.VADBaseURL, cfg.VADAPIKey))
	asrClient := asr.New(cfg.ASRBaseURL, cfg.ASRAltBaseURL, cfg.ASRAPIKey, cfg.ASRModel)
	subTranslator := subtitle.New(llmClient)
	uploadClient, err := uploader.New(uploader.Config{
		UploadBaseURL:  cfg.SinkUploadBaseURL,
		PublishBaseURL: cfg.SinkPublishBaseURL,
		ChannelID:      cfg.FixedCategoryID,
	})
	if err != nil {
		slog.Error("failed to construct sink uploader", slog.Any("err", err))
		os.Exit(1)
	}
	sinkCreds := uploader.Credentials{
		Username:   cfg.SinkUsername,
		Password:   cfg.SinkPassword,
		CookieFile: cfg.SinkCookieJarPath,
	}
	if loginErr := uploadClient.Login(context.Background(), sinkCreds); loginErr != nil {
		slog.Warn("sink uploader login failed at startup, uploads will fail until credentials are available", slog.Any("err", loginErr))
	} else if jar, exportErr := uploadClient.ExportSession(); exportErr == nil {
		if err := db.UpsertSession(context.Background(), database, sinkSessionTarget, jar, cfg.SinkUsername, time.Now().Add(sinkSessionLifetime)); err != nil {
			slog.Warn("failed to persist initial sink session", slog.Any("err", err))
		}
	}

	catalog, err := engine.LoadCatalog(cfg.CategoryCatalogPath)
	if err != nil {
		slog.Warn("category catalog load failed, continuing without it", slog.Any("err", err))
	}

	downloadDir := cfg.DataDir + "/downloads"
	store := task.New(database, downloadDir)

	eng := engine.New(engine.Deps{
		DB:       database,
		Store:    store,
		Live:     live,
		Base:     cfg,
		Ffmpeg:   ffmpegLocator,
		Download: downloadAdapter,
		LLM:      llmClient,
		Moderate: moderationClient,
		VAD:      vadProcessor,
		ASR:      asrClient,
		Sub:      subTranslator,
		Upload:   uploadClient,
		Catalog:  catalog,
	})
	go eng.Run(ctx)

	// Keep the sink session alive for the duration of any upload (spec
	// §4.13): re-login and re-persist the cookie jar before it expires.
	uploader.StartRefresher(ctx, database, sinkSessionTarget, 5*time.Minute, 2*time.Hour, func(rctx context.Context) (string, string, time.Time, error) {
		if err := uploadClient.Login(rctx, sinkCreds); err != nil {
			return "", "", time.Time{}, err
		}
		jar, err := uploadClient.ExportSession()
		if err != nil {
			return "", "", time.Time{}, err
		}
		return jar, cfg.SinkUsername, time.Now().Add(sinkSessionLifetime), nil
	})

	// Discovery Scheduler: polls the external catalog API per MonitorConfig
	// and optionally auto-enqueues survivors into the Pipeline Engine.
	discoveryStore := discovery.NewStore(database)
	catalogClient := discovery.NewHTTPClient(cfg.CatalogBaseURL, cfg.CatalogAPIKey)
	scheduler := discovery.NewScheduler(discoveryStore, catalogClient, store, eng)
	go func() {
		if err := scheduler.Start(ctx); err != nil {
			slog.Error("discovery scheduler exited with error", slog.Any("err", err))
		}
	}()

	// Housekeeping Sweeper: log and download retention per spec §4.16.
	sweeper := housekeeping.NewSweeper(live, store, cfg.DataDir+"/logs", downloadDir)
	go sweeper.Start(ctx)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// Submission API (tasks, health, readiness, metrics, cookie sync, login gate)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		deps := server.Deps{
			DB:            database,
			Tasks:         store,
			Engine:        eng,
			Download:      downloadAdapter,
			Live:          live,
			CookieJarPath: cfg.CookieJarPath,
		}
		if err := server.Start(ctx, deps, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
