package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatrelay/internal/core/domain"
	"chatrelay/internal/core/services"
	httphandlers "chatrelay/internal/handlers/http"
	"chatrelay/internal/infrastructure/distributed"
	"chatrelay/internal/infrastructure/middleware"
	"chatrelay/internal/infrastructure/monitoring"
	"chatrelay/internal/infrastructure/reliability"
	repositories "chatrelay/internal/infrastructure/repositories"
	wsignal "chatrelay/internal/infrastructure/signal"
	"chatrelay/pkg/circuitbreaker"
	"chatrelay/pkg/config"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/retry"
	"chatrelay/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the YAML configuration")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Invalid configuration is fatal; a missing file already yields defaults.
		logger.New("info").Sugar().Fatalw("failed to load configuration", "path", *configPath, "error", err)
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		Version:     "dev",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialise tracing", "error", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Stores
	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	members := repoFactory.CreateMembershipStore()
	records := reliability.NewRecordStoreWrapper(repoFactory.CreateCallRecordStore(), breakerConfig(cfg), log)
	directory := reliability.NewDirectoryWrapper(members, retry.Config{
		Enabled:      true,
		MaxAttempts:  1,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     200 * time.Millisecond,
		Multiplier:   2,
	}, breakerConfig(cfg), log)

	// Metrics
	var metrics *monitoring.PrometheusCollector
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	} else {
		metrics = monitoring.NewPrometheusCollector(prometheus.NewRegistry())
	}

	// Hub
	hub := services.NewHub(services.HubConfig{
		QueueSize:          cfg.Signal.HubQueueSize,
		SweepInterval:      cfg.Calls.SweepInterval,
		MetricsInterval:    cfg.Monitoring.MetricsInterval,
		LookupTimeout:      cfg.Directory.LookupTimeout,
		RecordWriteTimeout: cfg.Calls.RecordWriteTimeout,
		RecordRetry: retry.Config{
			Enabled:      true,
			MaxAttempts:  cfg.Reliability.Retry.MaxAttempts,
			InitialDelay: cfg.Reliability.Retry.InitialDelay,
			MaxDelay:     cfg.Reliability.Retry.MaxDelay,
			Multiplier:   cfg.Reliability.Retry.Multiplier,
			Jitter:       true,
		},
		Calls: services.CoordinatorConfig{
			MinRecordDuration: cfg.Calls.MinRecordDuration,
			EndedRetention:    cfg.Calls.EndedRetention,
		},
	}, directory, records, metrics, log)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	// Signaling endpoint
	wsConfig := wsignal.Config{
		HandshakeTimeout: cfg.Signal.HandshakeTimeout,
		PingInterval:     cfg.Signal.PingInterval,
		PongTimeout:      cfg.Signal.PongTimeout,
		WriteTimeout:     cfg.Signal.WriteTimeout,
		SendQueueSize:    cfg.Signal.SendQueueSize,
		MaxMessageSize:   cfg.RateLimiting.WebSocket.MaxMessageSizeBytes,
		AllowedOrigins:   cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		wsConfig.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsConfig.Burst = cfg.RateLimiting.WebSocket.Burst
		wsConfig.MaxConnections = cfg.RateLimiting.WebSocket.MaxConcurrent
	}
	wsServer := wsignal.NewWebSocketServer(hub, authService, metrics, wsConfig, log)

	// Cluster mirroring of identity and global publishes
	var mirror httphandlers.Mirror
	var bus *distributed.EventBus
	if cfg.Cluster.Enabled {
		if client := repoFactory.RedisClient(); client != nil {
			bus = distributed.NewEventBus(client, cfg.Cluster.Channel, log)
			mirror = bus
		} else {
			log.Warn("cluster mode requires Redis, running as a single instance")
		}
	}
	internalHandler := httphandlers.NewInternalHandler(hub, members, records, mirror, log)
	if bus != nil {
		go func() {
			err := bus.Subscribe(ctx, func(ev *distributed.Event) error {
				return internalHandler.ApplyMirrored(ctx, ev)
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Errorw("cluster subscription ended", "error", err)
			}
		}()
		log.Infow("cluster mirroring enabled", "channel", cfg.Cluster.Channel, "instance_id", bus.InstanceID())
	}

	// Health
	checker := monitoring.NewHealthChecker()
	checker.AddHubCheck(func(ctx context.Context) error {
		_, err := hub.Stats(ctx)
		return err
	}, 10*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		checker.AddRedisCheck(client, 10*time.Second, 2*time.Second)
	}
	checker.StartBackgroundChecks(ctx)

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(log))
	router.Use(middleware.ErrorHandlerMiddleware(log))
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.RequestLogMiddleware(logger.NewContextLogger(zapLogger), cfg.Signal.Path))
	router.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	router.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))
	httphandlers.NewHealthHandler(checker).SetupRoutes(router)
	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	internal := router.Group("/api/v1/internal")
	internal.Use(middleware.ServiceAuthMiddleware(authService, domain.RoleService))
	internalHandler.SetupRoutes(internal)
	httphandlers.NewAuthHandler(authService, cfg.Auth.ServiceTokenTTL).SetupRoutes(internal)

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WebSocket writes carry their own deadlines.
		WriteTimeout: 0,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting chat relay", "address", cfg.Server.Address, "signal_path", cfg.Signal.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}
	// Handlers post their disconnects to the hub before this returns, so the
	// hub drain below sees every call that the shutdown ends.
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("websocket handlers still running at shutdown deadline", "error", err)
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Warnw("pending call record writes abandoned", "error", err)
	}
	stop()
	<-hubDone

	if bus != nil {
		if err := bus.Close(); err != nil {
			log.Warnw("error closing event bus", "error", err)
		}
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}
	log.Info("chat relay stopped")
}

func breakerConfig(cfg *config.Config) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold:    cfg.Reliability.CircuitBreaker.FailureThreshold,
		SuccessThreshold:    cfg.Reliability.CircuitBreaker.SuccessThreshold,
		Timeout:             cfg.Reliability.CircuitBreaker.Timeout,
		MaxRequestsHalfOpen: cfg.Reliability.CircuitBreaker.MaxRequestsHalfOpen,
	}
}
