package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/sealstore/sealstore/internal/api"
	"github.com/sealstore/sealstore/internal/audit"
	"github.com/sealstore/sealstore/internal/blob"
	"github.com/sealstore/sealstore/internal/cache"
	"github.com/sealstore/sealstore/internal/config"
	"github.com/sealstore/sealstore/internal/keystore"
	"github.com/sealstore/sealstore/internal/metrics"
	"github.com/sealstore/sealstore/internal/middleware"
	"github.com/sealstore/sealstore/internal/retry"
	"github.com/sealstore/sealstore/internal/seal"
	"github.com/sealstore/sealstore/internal/security"
	"github.com/sealstore/sealstore/internal/store"
	"github.com/sealstore/sealstore/internal/tracing"
	"github.com/sealstore/sealstore/internal/wallet"
)

var (
	version = "dev"
	commit  = "unknown"
)

const (
	derivationCacheTTL = 1 * time.Hour
	checkpointGCPeriod = 1 * time.Hour
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	applyLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting sealstore")

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector()

	if cfg.Tracing.Enabled {
		if cfg.Tracing.ServiceVersion == "" {
			cfg.Tracing.ServiceVersion = version
		}
		shutdown, err := tracing.Setup(context.Background(), &cfg.Tracing, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize tracing")
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.WithError(err).Warn("Trace exporter shutdown failed")
			}
		}()
	}

	st, err := store.OpenBadger(cfg.DataDir)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open local store")
	}
	defer st.Close()

	keys := keystore.NewManager(st, logger)
	if err := keys.Initialize(); err != nil {
		logger.WithError(err).Fatal("Failed to initialize keystore")
	}

	derivation := wallet.NewDerivation(keys, st, logger, derivationCacheTTL)

	auditLogger := audit.NopLogger()
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, nil)
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	securityManager := security.NewManager(keys, derivation, st, logger,
		security.WithCleanupInterval(cfg.Security.CleanupInterval),
		security.WithScanInterval(cfg.Security.ScanInterval),
		security.WithMaxKeyAge(cfg.Security.MaxKeyAgeDays),
		security.WithAuditLogger(auditLogger),
	)
	securityManager.Start()
	defer securityManager.Stop()

	blobs, err := newBlobClient(cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create blob client")
	}

	if cfg.Blob.Cache.Enabled {
		blobCache := cache.NewMemoryCache(cfg.Blob.Cache.MaxSize, cfg.Blob.Cache.MaxItems, cfg.Blob.Cache.TTL)
		blobs = blob.NewCachedClient(blobs, blobCache, cfg.Blob.Cache.TTL)
		logger.WithFields(logrus.Fields{
			"max_size":  cfg.Blob.Cache.MaxSize,
			"max_items": cfg.Blob.Cache.MaxItems,
			"ttl":       cfg.Blob.Cache.TTL,
		}).Info("Blob cache enabled")
	}

	policy := retry.NewPolicy(
		cfg.Retry.MaxRetries,
		cfg.Retry.InitialDelay,
		cfg.Retry.MaxDelay,
		cfg.Retry.Multiplier,
		retry.WithLogger(logger),
		retry.WithNotify(func(name string, _ int, _ error) {
			m.RecordTransferRetry(name)
		}),
	)

	sealOpts := []seal.Option{seal.WithMetrics(m)}
	if cfg.Blob.Fallback.PublisherURL != "" {
		fallback, err := blob.NewHTTPClient(&cfg.Blob.Fallback, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create fallback blob client")
		}
		sealOpts = append(sealOpts, seal.WithFallback(fallback))
		logger.WithField("publisher", cfg.Blob.Fallback.PublisherURL).Info("Fallback endpoint configured")
	}

	orchestrator := seal.New(blobs, policy, st, logger, seal.Config{
		ChunkSize:   cfg.Seal.ChunkSize,
		MaxFileSize: cfg.Seal.MaxFileSize,
		Epochs:      cfg.Blob.Epochs,
		BaseTimeout: cfg.Seal.BaseTimeout,
	}, sealOpts...)

	policies := config.NewPolicyManager()
	if len(cfg.PolicyFiles) > 0 {
		if err := policies.LoadPolicies(cfg.PolicyFiles); err != nil {
			logger.WithError(err).Fatal("Failed to load storage policies")
		}
	}

	handler := api.NewHandler(orchestrator, keys, securityManager, st, policies, auditLogger, m, logger, cfg)

	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods("GET")
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware(cfg.Tracing.RedactSensitive))
	}
	router.Use(middleware.MetricsMiddleware(m))
	handler.RegisterRoutes(router)

	httpHandler := middleware.RecoveryMiddleware(logger)(router)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)

	if cfg.Server.RateLimit > 0 {
		rateLimiter := middleware.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateLimitWindow, logger)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.Server.RateLimit,
			"window": cfg.Server.RateLimitWindow,
		}).Info("Rate limiting enabled")
	}

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create config reloader")
	}
	reloader.SetOnReloadCallback(func(old, updated *config.Config) error {
		if old.LogLevel != updated.LogLevel {
			applyLogLevel(logger, updated.LogLevel)
		}
		return nil
	})
	go reloader.Start()
	defer reloader.Stop()

	gcDone := make(chan struct{})
	go checkpointGC(orchestrator, logger, gcDone)
	defer close(gcDone)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
}

func applyLogLevel(logger *logrus.Logger, levelName string) {
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func newBlobClient(cfg *config.Config, logger *logrus.Logger) (blob.Client, error) {
	switch cfg.Blob.Backend {
	case "s3":
		return blob.NewS3Client(&cfg.Blob.S3, logger)
	case "memory":
		return blob.NewMemory(), nil
	default:
		return blob.NewHTTPClient(&cfg.Blob.HTTP, logger)
	}
}

// checkpointGC periodically removes stale upload checkpoints.
func checkpointGC(orchestrator *seal.Orchestrator, logger *logrus.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(checkpointGCPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			removed, err := orchestrator.CleanupCheckpoints()
			if err != nil {
				logger.WithError(err).Warn("Checkpoint cleanup failed")
				continue
			}
			if removed > 0 {
				logger.WithField("removed", removed).Info("Removed stale upload checkpoints")
			}
		case <-done:
			return
		}
	}
}
