package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tesseract-hub/preferences-service/internal/cache"
	"github.com/tesseract-hub/preferences-service/internal/config"
	"github.com/tesseract-hub/preferences-service/internal/events"
	"github.com/tesseract-hub/preferences-service/internal/health"
	"github.com/tesseract-hub/preferences-service/internal/middleware"
	"github.com/tesseract-hub/preferences-service/internal/models"
	"github.com/tesseract-hub/preferences-service/internal/repository"
	"github.com/tesseract-hub/preferences-service/internal/services"
	"github.com/tesseract-hub/preferences-service/internal/tracker"
	"github.com/tesseract-hub/preferences-service/internal/validation"
	"github.com/tesseract-hub/preferences-service/internal/watcher"
	"github.com/tesseract-hub/preferences-service/internal/workers"
)

func main() {
	// Container health probe
	if len(os.Args) > 1 && os.Args[1] == "health" {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8095"
		}
		resp, err := http.Get("http://localhost:" + port + "/livez")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := godotenv.Load(); err != nil {
		logrus.Debug(".env file not found, using system environment variables")
	}

	cfg := config.NewConfig()
	logger := newLogger(cfg.App)
	gin.SetMode(cfg.Server.Mode)

	// Persistence
	var (
		db   *gorm.DB
		repo repository.PreferenceRepository
	)
	if cfg.App.UsesMemoryStore() {
		repo = repository.NewMemoryRepository()
		logger.Warn("Using in-memory preference store, data is lost on restart")
	} else {
		var err error
		db, err = initializeDatabase(cfg.Database, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize database")
		}
		if err := repository.AutoMigrate(db); err != nil {
			logger.WithError(err).Warn("AutoMigrate warning")
		}
		repo = repository.NewPreferenceRepository(db)
	}

	redisClient := initializeRedis(cfg.Redis, logger)

	// Core engine
	resolutionCache := cache.New(cache.Config{
		DefaultTTL:  cfg.Cache.DefaultTTL,
		MaxEntries:  cfg.Cache.MaxEntries,
		RedisClient: redisClient,
		KeyPrefix:   cfg.Redis.KeyPrefix,
		Logger:      logger,
		Decode: func(data []byte) (interface{}, error) {
			return models.DecodeValue(datatypes.JSON(data))
		},
	})
	inheritance := tracker.New(cfg.Cache.TrackerSize)
	changeWatcher := watcher.New(watcher.Config{
		BufferSize: cfg.Cache.WatcherBuffer,
		Logger:     logger,
		Repository: repo,
		Tracker:    inheritance,
	})
	changeWatcher.RegisterCallback("change_log", func(_ context.Context, ev models.ChangeEvent) error {
		logger.WithFields(logrus.Fields{
			"event_id":   ev.ID,
			"event_type": ev.Type,
			"user_id":    ev.UserID,
			"project_id": ev.ProjectID,
			"key":        ev.PreferenceKey,
		}).Debug("Preference change")
		return nil
	})

	resolver := services.NewResolver(services.ResolverConfig{
		Repository:    repo,
		Cache:         resolutionCache,
		Tracker:       inheritance,
		Logger:        logger,
		TTL:           cfg.Cache.DefaultTTL,
		BatchParallel: cfg.Cache.BatchParallel,
	})
	validator := validation.New()
	writer := services.NewPreferenceWriter(repo, resolver, changeWatcher, validator, logger)
	overrides := services.NewOverrideManager(repo, resolver, changeWatcher, validator, logger)

	if cfg.App.SeedFile != "" {
		if err := seedSystemDefaults(context.Background(), writer, cfg.App.SeedFile, logger); err != nil {
			logger.WithError(err).Fatal("Failed to seed system defaults")
		}
	}

	// Change events to NATS JetStream (optional)
	var natsClient *events.Client
	if cfg.NATS.URL != "" {
		client, err := events.NewClient(events.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.Subject,
			Stream:        cfg.NATS.Stream,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("Failed to connect to NATS, change events stay in process")
		} else {
			natsClient = client
			changeWatcher.AddSink(events.NewPublisher(client, cfg.App.InstanceID, logger))
		}
	}

	// Cache maintenance
	sweeper := workers.NewCacheSweeper(resolutionCache, cfg.Cache.CleanupSchedule, logger)
	if err := sweeper.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start cache sweeper")
	}
	expirer := workers.NewOverrideExpirer(overrides, cfg.Cache.ExpirySchedule, logger)
	if err := expirer.Start(); err != nil {
		logger.WithError(err).Fatal("Failed to start override expirer")
	}

	prometheus.MustRegister(health.NewCacheCollector(resolutionCache, changeWatcher))
	healthChecker := health.NewHealthChecker(db, redisClient, cfg.App.Version)
	router := setupRouter(healthChecker, logger)

	server := &http.Server{
		Addr:              cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("addr", server.Addr).Info("Preferences service starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()
	healthChecker.SetReady(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down...")
	healthChecker.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown")
	}
	sweeper.Stop()
	expirer.Stop()
	changeWatcher.Wait()
	if natsClient != nil {
		natsClient.Close()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	logger.Info("Preferences service stopped")
}

func newLogger(app config.AppConfig) *logrus.Logger {
	logger := logrus.New()
	if app.IsDevelopment() {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(app.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// initializeDatabase establishes database connection
func initializeDatabase(dbConfig config.DatabaseConfig, logger *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dbConfig.DSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database connection established")
	return db, nil
}

// initializeRedis connects the L2 cache. Any failure leaves the cache
// memory-only.
func initializeRedis(redisConfig config.RedisConfig, logger *logrus.Logger) *redis.Client {
	if redisConfig.URL == "" {
		return nil
	}
	opt, err := redis.ParseURL(redisConfig.URL)
	if err != nil {
		logger.WithError(err).Warn("Failed to parse Redis URL, L2 cache disabled")
		return nil
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).Warn("Failed to connect to Redis, L2 cache disabled")
		_ = client.Close()
		return nil
	}

	logger.Info("Redis connection established")
	return client
}

// seedSystemDefaults loads a JSON array of system defaults
func seedSystemDefaults(ctx context.Context, writer *services.PreferenceWriter, path string, logger *logrus.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}
	var defs []models.SystemDefault
	if err := json.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}
	n, err := writer.SeedSystemDefaults(ctx, defs)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{"file": path, "count": n}).Info("Seeded system defaults")
	return nil
}

func setupRouter(healthChecker *health.HealthChecker, logger *logrus.Logger) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(health.MetricsMiddleware())

	router.GET("/health", healthChecker.HealthHandler)
	router.GET("/livez", healthChecker.LivezHandler)
	router.GET("/readyz", healthChecker.ReadyzHandler)
	router.GET("/metrics", health.MetricsHandler())

	return router
}
