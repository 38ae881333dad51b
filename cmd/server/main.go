package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	apihttp "torrentdeck/internal/api/http"
	"torrentdeck/internal/app"
	"torrentdeck/internal/domain"
	"torrentdeck/internal/domain/ports"
	"torrentdeck/internal/metrics"
	"torrentdeck/internal/notify"
	"torrentdeck/internal/services/torrent/engine/anacrolix"
	"torrentdeck/internal/session"
	"torrentdeck/internal/storage/blob"
	"torrentdeck/internal/telemetry"
)

const serviceName = "torrentdeck"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.OTelEndpoint,
		SampleRate:  cfg.OTelSampleRate,
	})
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.String("dataDir", cfg.TorrentDataDir),
		slog.Int("listenPort", cfg.TorrentListenPort),
		slog.Duration("syncInterval", cfg.SyncInterval),
		slog.Duration("syncIntervalPowerSave", cfg.SyncIntervalPowerSave),
		slog.Bool("powerSave", cfg.PowerSave),
		slog.String("downloadLimit", describeLimit(cfg.DownloadLimitBytes)),
		slog.String("uploadLimit", describeLimit(cfg.UploadLimitBytes)),
		slog.String("blobDir", cfg.BlobDir),
		slog.Bool("webhook", cfg.NotifyWebhookURL != ""),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobs := blob.NewStore(
		blob.WithDir(cfg.BlobDir),
		blob.WithTTL(cfg.BlobTTL),
		blob.WithLogger(logger),
	)
	webhook := notify.NewWebhook(cfg.NotifyWebhookURL, logger)

	// The API both reads the session and receives its pushes; it is built
	// before Start so no callback sees a nil server.
	var api *apihttp.Server
	notifiers := notify.Fanout{
		notify.NewLog(logger),
		ports.NotifierFunc(func(ev domain.Event) { api.Notify(ev) }),
	}
	if webhook.Enabled() {
		notifiers = append(notifiers, webhook)
	}

	sess := session.New(
		anacrolix.Factory(anacrolix.Config{
			DataDir:         cfg.TorrentDataDir,
			ListenPort:      cfg.TorrentListenPort,
			NoUpload:        cfg.TorrentNoUpload,
			Seed:            cfg.TorrentSeed,
			MetadataTimeout: cfg.TorrentMetadataTimeout,
			Logger:          logger,
		}),
		session.WithLogger(logger),
		session.WithNotifier(notifiers),
		session.WithCadence(session.Cadence{Normal: cfg.SyncInterval, PowerSave: cfg.SyncIntervalPowerSave}),
		session.WithPowerSave(cfg.PowerSave),
		session.WithLimits(session.Limits{Download: cfg.DownloadLimitBytes, Upload: cfg.UploadLimitBytes}),
		session.WithBlobStore(blobs),
		session.WithSaveAction(func(b domain.Blob) { api.BroadcastSave(b) }),
		session.WithSnapshotListener(func(snap domain.Snapshot) { api.BroadcastSnapshot(snap) }),
	)

	api = apihttp.NewServer(sess,
		apihttp.WithLogger(logger),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
		apihttp.WithRateLimit(cfg.APIRateLimitRPS, cfg.APIRateLimitBurst),
		apihttp.WithBlobStore(blobs),
	)

	if err := sess.Start(rootCtx); err != nil {
		// Reads keep answering and commands report engine-not-ready.
		logger.Error("torrent engine unavailable", slog.String("error", err.Error()))
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info("server started", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if webhook.Enabled() {
		g.Go(func() error { return webhook.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		api.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown error", slog.String("error", err.Error()))
		}
		if err := sess.Close(); err != nil {
			logger.Warn("session close error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func describeLimit(bytesPerSec int64) string {
	if bytesPerSec <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(bytesPerSec)) + "/s"
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
