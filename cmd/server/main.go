package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/metermesh/aggregator/internal/application/aggregation"
	"github.com/metermesh/aggregator/internal/application/pipeline"
	"github.com/metermesh/aggregator/internal/domain/plan"
	"github.com/metermesh/aggregator/internal/domain/shared"
	"github.com/metermesh/aggregator/internal/domain/timewindow"
	"github.com/metermesh/aggregator/internal/domain/usage"
	"github.com/metermesh/aggregator/internal/infrastructure/cache"
	"github.com/metermesh/aggregator/internal/infrastructure/config"
	"github.com/metermesh/aggregator/internal/infrastructure/logger"
	"github.com/metermesh/aggregator/internal/infrastructure/persistence"
	"github.com/metermesh/aggregator/internal/infrastructure/planstore"
	"github.com/metermesh/aggregator/internal/infrastructure/seqid"
	"github.com/metermesh/aggregator/internal/infrastructure/sink"
	"github.com/metermesh/aggregator/internal/infrastructure/telemetry"
	"github.com/metermesh/aggregator/internal/interfaces/http/handler"
	"github.com/metermesh/aggregator/internal/interfaces/http/middleware"
	"github.com/metermesh/aggregator/internal/interfaces/http/router"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting usage aggregator",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Initialize tracing and metrics
	tracerProvider, err := telemetry.NewTracerProvider(context.Background(), telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	meterProvider, err := telemetry.NewMeterProvider(context.Background(), telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize meter provider", zap.Error(err))
	}
	defer func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down meter provider", zap.Error(err))
		}
	}()

	// Create GORM logger backed by zap
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	// Initialize database connection with custom logger
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	// Register query tracing on the GORM connection
	dbTracing := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
		Enabled:          cfg.Telemetry.Enabled,
		SlowQueryThresh:  200 * time.Millisecond,
		DBSystem:         "postgresql",
		WithoutVariables: true,
	}, log)
	if err := dbTracing.RegisterOtelGorm(db.DB); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}

	// Pipeline metrics observe submissions, business errors and deliveries
	pipelineMetrics, err := telemetry.NewPipelineMetrics(telemetry.PipelineMetricsConfig{
		Meter:         meterProvider.Meter("pipeline"),
		Logger:        log,
		StatsProvider: telemetry.NewGormStatsProvider(db.DB),
	})
	if err != nil {
		log.Fatal("Failed to initialize pipeline metrics", zap.Error(err))
	}
	metricsCtx, stopMetrics := context.WithCancel(context.Background())
	pipelineMetrics.StartPeriodicCollection(metricsCtx, 0)
	defer func() {
		stopMetrics()
		pipelineMetrics.Stop()
	}()

	// Dedup marker fast path: Redis when configured, in-process otherwise
	var markerStore shared.MarkerStore
	if cfg.Redis.Enabled {
		redisStore, err := cache.NewRedisMarkerStore(cache.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		markerStore = redisStore
		log.Info("Redis marker store connected",
			zap.String("host", cfg.Redis.Host),
			zap.Int("port", cfg.Redis.Port),
		)
	} else {
		markerStore = cache.NewInMemoryMarkerStore()
		log.Info("Using in-memory marker store")
	}

	// Plan service client resolves metering and rating plan documents
	planClient := planstore.NewClient(planstore.Config{
		MeteringURL: cfg.PlanService.MeteringURL,
		RatingURL:   cfg.PlanService.RatingURL,
		Token:       cfg.PlanService.Token,
		Timeout:     cfg.PlanService.Timeout,
		CacheSize:   cfg.PlanService.CacheSize,
		CacheTTL:    cfg.PlanService.CacheTTL,
	}, log)

	// Aggregation engine
	slack := timewindow.ParseSlack(cfg.Aggregator.Slack)
	formulaCache := cache.NewFormulaCache(cfg.Aggregator.FormulaCacheSize, cfg.Aggregator.FormulaCacheAge)
	pruner := usage.NewPruner(slack, seqid.Time, nil)
	engine := aggregation.NewEngine(
		planClient,
		planClient,
		plan.NewFormulas(),
		formulaCache,
		pruner,
		aggregation.Config{
			Support:  timewindow.NewSupport(cfg.Aggregator.Windows),
			Slack:    slack,
			Sampling: cfg.Aggregator.Sampling,
		},
		log,
	)

	// Downstream delivery: HTTP sink plus optional S3 archive
	var deliverTo sink.Sink
	if len(cfg.Sink.URLs) > 0 {
		httpSink, err := sink.NewHTTPSink(sink.HTTPConfig{
			URLs:    cfg.Sink.URLs,
			Token:   cfg.Sink.Token,
			Timeout: cfg.Sink.Timeout,
		}, log)
		if err != nil {
			log.Fatal("Failed to initialize HTTP sink", zap.Error(err))
		}
		deliverTo = httpSink
		if cfg.Storage.Enabled {
			archive, err := sink.NewS3Archive(&cfg.Storage, log)
			if err != nil {
				log.Fatal("Failed to initialize S3 archive", zap.Error(err))
			}
			deliverTo = sink.Multi{httpSink, archive}
			log.Info("Delivery archive enabled", zap.String("bucket", cfg.Storage.Bucket))
		}
		log.Info("Sink configured", zap.Int("endpoints", len(cfg.Sink.URLs)))
	} else {
		deliverTo = sink.NewNop()
		log.Warn("No sink URLs configured, deliveries will be dropped")
	}

	// Processor ties the pipeline together
	processor := pipeline.NewProcessor(db, engine, markerStore, deliverTo, pipeline.Config{
		Sampling:  cfg.Aggregator.Sampling,
		MarkerTTL: cfg.Aggregator.MarkerTTL,
	}, log)

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engineHTTP := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engineHTTP.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Apply middleware stack in order:
	// 1. RequestID - Generate/propagate request ID
	// 2. Recovery - Catch panics
	// 3. Tracing - Create request spans, mark error responses
	// 4. Logger - Log requests
	// 5. Metrics - Record request counters and latency histograms
	// 6. Security - Add security headers
	// 7. CORS - Handle cross-origin requests
	// 8. RateLimit - Throttle abusive clients
	// 9. BodyLimit - Limit request body size
	engineHTTP.Use(middleware.RequestID())
	engineHTTP.Use(logger.Recovery(log))
	engineHTTP.Use(middleware.TracingWithConfig(middleware.TracingConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
	}))
	engineHTTP.Use(middleware.SpanErrorMarker())
	engineHTTP.Use(logger.GinMiddleware(log))
	engineHTTP.Use(middleware.HTTPMetrics(middleware.HTTPMetricsConfig{
		MeterProvider: meterProvider,
		ServiceName:   cfg.Telemetry.ServiceName,
		Enabled:       cfg.Telemetry.Enabled,
	}))
	engineHTTP.Use(middleware.Secure())

	corsConfig := middleware.CORSConfig{
		AllowOrigins:     cfg.HTTP.CORSAllowOrigins,
		AllowMethods:     cfg.HTTP.CORSAllowMethods,
		AllowHeaders:     cfg.HTTP.CORSAllowHeaders,
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	engineHTTP.Use(middleware.CORSWithConfig(corsConfig))

	if cfg.HTTP.RateLimitEnabled {
		rateLimiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitPerMin, cfg.HTTP.RateLimitWindow)
		engineHTTP.Use(middleware.RateLimit(rateLimiter))
	}

	engineHTTP.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))

	// Health check endpoint (outside API versioning)
	engineHTTP.GET("/health", healthHandler(db))

	// Register route groups
	usageHandler := handler.NewUsageHandler(processor, log)
	systemHandler := handler.NewSystemHandler(db)

	r := router.NewRouter(engineHTTP, router.WithAPIVersion("v1"))
	r.Register(usageHandler).Register(systemHandler)
	r.Setup()

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engineHTTP,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// healthHandler returns a handler for health check endpoints
func healthHandler(db *persistence.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqLog := logger.GetGinLogger(c)
		if err := db.Ping(); err != nil {
			reqLog.Warn("Health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"time":     time.Now().Format(time.RFC3339),
				"database": "error",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"time":     time.Now().Format(time.RFC3339),
			"database": "ok",
		})
	}
}
