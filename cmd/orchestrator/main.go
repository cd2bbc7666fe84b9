package main

import (
	"context"
	"time"

	"github.com/easiviotech/fabriq-streaming/internal/chat"
	appconfig "github.com/easiviotech/fabriq-streaming/internal/config"
	"github.com/easiviotech/fabriq-streaming/internal/handlers"
	"github.com/easiviotech/fabriq-streaming/internal/hls"
	"github.com/easiviotech/fabriq-streaming/internal/metrics"
	"github.com/easiviotech/fabriq-streaming/internal/signaling"
	"github.com/easiviotech/fabriq-streaming/internal/streams"
	"github.com/easiviotech/fabriq-streaming/internal/transcoder"
	"github.com/easiviotech/fabriq-streaming/internal/viewers"
	"github.com/easiviotech/fabriq-streaming/pkg/config"
	"github.com/easiviotech/fabriq-streaming/pkg/database"
	"github.com/easiviotech/fabriq-streaming/pkg/logging"
	"github.com/easiviotech/fabriq-streaming/pkg/middleware"
	"github.com/easiviotech/fabriq-streaming/pkg/monitoring"
	pkgredis "github.com/easiviotech/fabriq-streaming/pkg/redis"
	"github.com/easiviotech/fabriq-streaming/pkg/server"
	"github.com/easiviotech/fabriq-streaming/pkg/version"
)

const reapInterval = 30 * time.Second

func main() {
	logger := logging.NewLoggerWithService("orchestrator")
	config.LoadEnv(logger)

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.Short(),
	}).Info("Starting Fabriq streaming orchestrator")

	cfg := appconfig.Load()
	jwtSecret := []byte(config.RequireEnv("JWT_SECRET"))

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("orchestrator", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("orchestrator", version.Version, version.GitCommit)

	serviceMetrics := &metrics.Metrics{
		SignalingConnections: metricsCollector.NewGauge("signaling_connections", "Active signaling connections", []string{"role"}),
		SignalingMessages:    metricsCollector.NewCounter("signaling_messages_total", "Signaling frames handled", []string{"type", "direction"}),
		ActiveStreams:        metricsCollector.NewGauge("active_streams", "Streams by lifecycle status", []string{"status"}),
		TranscodersActive:    metricsCollector.NewGauge("transcoders_active", "Running encoder processes", nil),
		TranscodeStarts:      metricsCollector.NewCounter("transcode_starts_total", "Transcode start attempts", []string{"status"}),
		ChatRejections:       metricsCollector.NewCounter("chat_rejections_total", "Rejected chat messages", []string{"reason"}),
		ViewerHeartbeats:     metricsCollector.NewCounter("viewer_heartbeats_total", "Viewer presence heartbeats", nil),
	}

	// Shared KV store
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient, err := pkgredis.Connect(ctx, cfg.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()

	// Optional durable archive
	var archive streams.Archive
	if cfg.DatabaseURL != "" {
		db, err := database.Connect(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to database")
		}
		defer db.Close()
		repo := streams.NewRepository(db, logger)
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to apply archive schema")
		}
		archive = repo
		healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	}

	// Core components
	manager := streams.NewManager(redisClient, cfg.StreamKeyTTL, archive, logger)
	supervisor := transcoder.NewSupervisor(transcoder.Options{
		FFmpegPath:      cfg.FFmpegPath,
		StorageRoot:     cfg.HLSStoragePath,
		SegmentDuration: cfg.HLSSegmentDuration,
		PlaylistSize:    cfg.HLSPlaylistSize,
		MaxConcurrent:   cfg.MaxConcurrentTranscodes,
	}, logger)
	tracker := viewers.NewTracker(redisClient, logger)
	moderator := chat.NewModerator(redisClient, chat.Options{
		MaxMessageLength: cfg.ChatMaxMessageLength,
		SlowModeSeconds:  cfg.ChatSlowModeSeconds,
	}, logger)

	coordinator := handlers.NewCoordinator(manager, supervisor, tracker, logger)
	sigRouter := signaling.NewRouter(manager, coordinator, logger, serviceMetrics)
	origin := hls.NewOrigin(cfg.HLSStoragePath, logger)

	h := handlers.New(manager, supervisor, tracker, moderator, sigRouter, logger, serviceMetrics)

	// Health checks
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"HLS_STORAGE_PATH": cfg.HLSStoragePath,
		"FFMPEG_PATH":      cfg.FFmpegPath,
	}))

	// Periodic reaper: prune dead encoders and end their streams
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				supervisor.Reap(coordinator.ReapDead)

				serviceMetrics.TranscodersActive.WithLabelValues().Set(float64(supervisor.GetStats().Active))
				for status, count := range manager.Stats() {
					if status != "total" {
						serviceMetrics.ActiveStreams.WithLabelValues(status).Set(float64(count))
					}
				}
			}
		}
	}()

	// HTTP router and server
	router := server.SetupServiceRouter(logger, "orchestrator", healthChecker, metricsCollector)
	h.Register(router, origin, middleware.JWTAuthMiddleware(jwtSecret))

	if err := server.Start("orchestrator", "18080", router, logger, supervisor.StopAll); err != nil {
		logger.WithError(err).Fatal("HTTP server startup failed")
	}
}
