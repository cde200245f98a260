// Command server is the process entrypoint for the audio DRM gateway:
// it reads configuration, constructs every component exactly once, wires
// them into the HTTP router, and runs until it receives a shutdown signal.
// Nothing here is a package-level global; every collaborator's lifetime
// is tied to rootCtx.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/audio-drm-gateway/internal/api"
	"github.com/kenneth/audio-drm-gateway/internal/archive"
	"github.com/kenneth/audio-drm-gateway/internal/audit"
	"github.com/kenneth/audio-drm-gateway/internal/chunkstore"
	"github.com/kenneth/audio-drm-gateway/internal/config"
	"github.com/kenneth/audio-drm-gateway/internal/crypto"
	"github.com/kenneth/audio-drm-gateway/internal/debug"
	"github.com/kenneth/audio-drm-gateway/internal/governor"
	"github.com/kenneth/audio-drm-gateway/internal/ingest"
	"github.com/kenneth/audio-drm-gateway/internal/janitor"
	"github.com/kenneth/audio-drm-gateway/internal/materializer"
	"github.com/kenneth/audio-drm-gateway/internal/metrics"
	"github.com/kenneth/audio-drm-gateway/internal/middleware"
	"github.com/kenneth/audio-drm-gateway/internal/ratelimit"
	"github.com/kenneth/audio-drm-gateway/internal/repository"
	"github.com/kenneth/audio-drm-gateway/internal/repository/postgres"
	"github.com/kenneth/audio-drm-gateway/internal/s3"
	"github.com/kenneth/audio-drm-gateway/internal/signedurl"
	"github.com/kenneth/audio-drm-gateway/internal/stream"
	"github.com/kenneth/audio-drm-gateway/internal/tracing"
	"github.com/kenneth/audio-drm-gateway/internal/transcoder"
)

func main() {
	configPath := flag.String("config", os.Getenv("DRM_CONFIG_FILE"), "path to YAML configuration file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if debug.Enabled() {
		logger.SetLevel(logrus.DebugLevel)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("server: loading configuration")
	}

	if err := run(rootCtx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("server: exited with error")
	}
}

func run(rootCtx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	mtr := metrics.NewMetricsWithConfig(metrics.Config{EnableBackendLabel: true})

	mtr.SetHardwareAccelerationStatus("aes", crypto.IsHardwareAccelerationEnabled(cfg.Hardware))
	logger.WithFields(logrus.Fields(crypto.GetHardwareAccelerationInfo(&cfg.Hardware))).Info("server: crypto hardware detection")

	shutdownTracing, err := tracing.Setup(rootCtx, tracing.Config{
		Enabled:  cfg.Tracing.Enabled,
		Exporter: cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
		Service:  cfg.Tracing.Service,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		return err
	}

	keyManager, err := buildKeyManager(cfg.KMS)
	if err != nil {
		return err
	}

	envelope := crypto.NewEnvelope(keyManager, crypto.GetGlobalBufferPool())

	sessionCodec, err := crypto.NewSessionTokenCodec([]byte(cfg.Secrets.SessionSecret))
	if err != nil {
		return err
	}

	urlCodec, err := signedurl.NewCodec([]byte(cfg.Secrets.SignedURLSecret))
	if err != nil {
		return err
	}

	jwtManager := middleware.NewJWTManager([]byte(cfg.Secrets.AuthJWTSecret), "audio-drm-gateway")

	for _, dir := range []string{cfg.Storage.UploadRoot, cfg.Storage.ChunksRoot, cfg.Storage.ChapterRoot, cfg.Storage.TempRoot} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	chunks, err := chunkstore.New(cfg.Storage.ChunksRoot)
	if err != nil {
		return err
	}

	tc := transcoder.New("ffmpeg", cfg.Limits.FFmpegTimeout, 5*time.Second, logger)

	assembler := ingest.New(chunks, envelope, cfg.Storage.UploadRoot, cfg.Storage.TempRoot)
	assembler.Prober = tc.Probe
	assembler.Metrics = mtr
	assembler.CleanupGrace = 30 * time.Second

	gov, err := governor.New(governor.Thresholds{
		Caution:  cfg.Memory.Caution,
		Warning:  cfg.Memory.Warning,
		Critical: cfg.Memory.Critical,
	}, logger)
	if err != nil {
		return err
	}
	gov.SetObserver(func(rssBytes int64, band governor.Band) {
		mtr.RecordGovernorSample(rssBytes, string(band))
	})

	maxConcurrent := cfg.Limits.MaxConcurrentChapters
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	mat := materializer.New(envelope, tc, gov, cfg.Storage.ChapterRoot, cfg.Storage.TempRoot, maxConcurrent, cfg.Limits.ChapterProcessingTTL, logger)
	mat.Metrics = mtr

	streamer := stream.New(envelope, tc, cfg.Storage.TempRoot, logger)
	streamer.Metrics = mtr
	streamer.ChapterStreamThreshold = cfg.Limits.ChapterStreamThreshold

	repo, err := postgres.New(rootCtx, cfg.Database.DSN, cfg.Database.MaxConns)
	if err != nil {
		return err
	}
	defer repo.Close()
	var repoFacade repository.Repository = repo

	jan, err := janitor.New(
		repoFacade,
		cfg.Storage.ChunksRoot,
		cfg.Storage.TempRoot,
		cfg.Storage.ChapterRoot,
		cfg.Storage.UploadRoot,
		cfg.TTL.ChunkSessionTTL,
		cfg.TTL.FailedSessionTTL,
		cfg.TTL.JanitorInterval,
		mtr,
		auditLogger,
		logger,
	)
	if err != nil {
		return err
	}
	go jan.Run(rootCtx)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RateLimit.RedisAddr})
		limiter = ratelimit.New(rdb, cfg.RateLimit.Rate, cfg.RateLimit.Window, cfg.RateLimit.BypassKeys)
	}

	var mirror *archive.Mirror
	if cfg.Archive.Enabled {
		s3Client, err := s3.NewClient(&cfg.Archive)
		if err != nil {
			return err
		}
		ensureCtx, ensureCancel := context.WithTimeout(rootCtx, 30*time.Second)
		if err := s3Client.EnsureBucket(ensureCtx, cfg.Archive.Bucket); err != nil {
			logger.WithError(err).Warn("server: archive bucket not reachable at startup, mirroring will retry per upload")
		}
		ensureCancel()
		mirror = archive.New(s3Client, cfg.Archive.Bucket, "masters", logger, mtr)
	}

	handlers := api.New(api.Config{
		Repo:              repoFacade,
		Chunks:            chunks,
		Assembler:         assembler,
		Materializer:      mat,
		Streamer:          streamer,
		URLCodec:          urlCodec,
		SessionCodec:      sessionCodec,
		JWT:               jwtManager,
		Limiter:           limiter,
		Mirror:            mirror,
		Logger:            logger,
		Metrics:           mtr,
		Audit:             auditLogger,
		SignedURLTTL:      cfg.TTL.SignedURLTTL,
		ChunkBytes:        cfg.Limits.ChunkBytes,
		ChunkBytesHardCap: cfg.Limits.ChunkBytesHardCap,
		MaxFileBytes:      cfg.Limits.MaxFileBytes,
		AsyncFinalize:     cfg.Limits.AsyncFinalize,
	})

	mtr.StartSystemMetricsCollector(rootCtx, crypto.GetGlobalBufferPool().Stats)

	router := mux.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mtr.IncrementActiveConnections()
			defer mtr.DecrementActiveConnections()
			next.ServeHTTP(w, r)
		})
	})
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.AuthMiddleware(jwtManager, logger))
	handlers.RegisterRoutes(router)
	router.Handle("/metrics", mtr.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	router.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/ready", metrics.ReadinessHandler(map[string]metrics.CheckFunc{
		"database": repoFacade.HealthCheck,
		"kms":      keyManager.HealthCheck,
	})).Methods(http.MethodGet)
	if debug.Enabled() {
		debug.AttachProfiler(router)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("server: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("server: shutdown signal received")
	case err := <-errCh:
		return err
	case <-rootCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// buildKeyManager constructs the KeyManager that wraps per-artifact DEKs,
// per cfg.Provider: "local" (default, HKDF-derived wrapping key) or "kmip"
// (a Cosmian KMS or any KMIP-speaking server).
func buildKeyManager(cfg config.KMSConfig) (crypto.KeyManager, error) {
	switch cfg.Provider {
	case "", "local":
		return crypto.NewLocalKeyManager([]byte(cfg.WrappingSecret), cfg.KeyVersion)
	case "kmip":
		keys := make([]crypto.KMIPKeyReference, 0, len(cfg.KMIPKeyIDs))
		for i, id := range cfg.KMIPKeyIDs {
			keys = append(keys, crypto.KMIPKeyReference{ID: id, Version: i + 1})
		}
		return crypto.NewCosmianKMIPManager(crypto.CosmianKMIPOptions{
			Endpoint:       cfg.KMIPEndpoint,
			Keys:           keys,
			Timeout:        cfg.KMIPTimeout,
			Provider:       "cosmian-kmip",
			DualReadWindow: cfg.KMIPDualReadWindow,
		})
	default:
		return nil, fmt.Errorf("server: unknown kms provider %q", cfg.Provider)
	}
}
