package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"chatcore-backend/internal/database"
	"chatcore-backend/internal/directory"
	"chatcore-backend/internal/fanout"
	callHandler "chatcore-backend/internal/handler/http/call"
	eventsHandler "chatcore-backend/internal/handler/http/events"
	pushHandler "chatcore-backend/internal/handler/http/push"
	"chatcore-backend/internal/handler/ws"
	"chatcore-backend/internal/middleware"
	"chatcore-backend/internal/registry"
	"chatcore-backend/internal/repository/cassandra"
	"chatcore-backend/internal/repository/cockroach"
	redisRepo "chatcore-backend/internal/repository/redis"
	"chatcore-backend/internal/service/call"
	"chatcore-backend/pkg/background"
	"chatcore-backend/pkg/config"
	"chatcore-backend/pkg/constants"
	"chatcore-backend/pkg/jwt"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/metrics"
	"chatcore-backend/pkg/push"
	"chatcore-backend/pkg/resilience"
	"chatcore-backend/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
		Service:  cfg.Server.ServiceName,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	nodeID := cfg.Realtime.NodeID
	if nodeID == "" {
		nodeID = ksuid.New().String()
	}
	log := logger.Log.With(zap.String("node_id", nodeID))

	// 1. Metrics and tracing
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:  cfg.Server.ServiceName,
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Fatal("Failed to set up tracing", zap.Error(err))
	}

	// 2. CockroachDB with exponential backoff
	db, err := connectCockroach(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	defer db.Close()

	userRepo := cockroach.NewUserRepository(db.Pool)
	conversationRepo := cockroach.NewConversationRepository(db.Pool)
	callRepo := cockroach.NewCallRepository(db.Pool)

	users := directory.NewCachedUsers(userRepo, constants.UserCacheTTL, constants.UserCacheSize)
	stopUserCleanup := users.StartCleanup(constants.UserCacheTTL)
	defer stopUserCleanup()

	// 3. Redis with degraded mode
	redisDB := database.NewRedisDB(&database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}, appMetrics)
	defer redisDB.Close()

	if err := redisDB.HealthCheck(ctx); err != nil {
		log.Warn("Redis unavailable, starting in degraded mode", zap.Error(err))
	}
	redisDB.StartHealthCheck(ctx, constants.RedisHealthCheckInterval)

	presenceRepo := redisRepo.NewPresenceRepository(redisDB, nodeID)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB.Client)

	// 4. Cassandra call event log (optional)
	var (
		eventLog    call.EventLog
		eventReader callHandler.EventReader
	)
	if cfg.Cassandra.Enabled {
		cassandraDB, err := database.NewCassandraDB(&database.CassandraConfig{
			Hosts:       cfg.Cassandra.Hosts,
			Keyspace:    cfg.Cassandra.Keyspace,
			Consistency: cfg.Cassandra.Consistency,
			Timeout:     cfg.Cassandra.Timeout,
		})
		if err != nil {
			log.Warn("Cassandra unavailable, call events will not be recorded", zap.Error(err))
		} else {
			defer cassandraDB.Close()
			repo := cassandra.NewCallEventRepository(cassandraDB)
			eventLog = repo
			eventReader = repo
		}
	}

	// 5. Push provider
	provider, err := push.NewProvider(ctx, cfg.Push, logger.Named("push"))
	if err != nil {
		log.Fatal("Failed to create push provider", zap.Error(err))
	}
	pushBreaker := resilience.New("push",
		resilience.WithLogger(logger.Named("push")),
		resilience.WithStateObserver(appMetrics.SetBreakerState),
	)
	pushGateway := push.NewGateway(provider, pushTokenRepo,
		push.WithResultObserver(appMetrics.RecordPushResult),
		push.WithBreaker(pushBreaker),
	)

	tasks := background.New(
		background.WithTimeout(cfg.Realtime.BackgroundTaskTimeout),
		background.WithLogger(logger.Named("background")),
		background.WithFailureHook(appMetrics.RecordBackgroundFailure),
	)

	// 6. Connection registry, websocket hub and fanout
	reg := registry.New(
		registry.WithPresenceSink(presenceRepo),
		registry.WithLogger(logger.Named("registry")),
		registry.WithSizeObserver(appMetrics.SetWebSocketConnections),
	)

	hub := ws.NewHub(reg, ws.Config{
		MaxConnections: cfg.Realtime.MaxConnections,
		SendBuffer:     cfg.Realtime.SendBuffer,
		PingInterval:   cfg.Realtime.PingInterval,
		AllowedOrigins: splitOrigins(cfg.Server.CORSOrigins),
	},
		ws.WithObserver(appMetrics),
		ws.WithMembership(conversationRepo),
		ws.WithLogger(logger.Named("ws")),
	)

	dispatcherOpts := []fanout.Option{
		fanout.WithMembers(conversationRepo),
		fanout.WithPush(pushGateway, presenceRepo),
		fanout.WithRecorder(appMetrics),
		fanout.WithTasks(tasks),
		fanout.WithLogger(logger.Named("fanout")),
	}
	var bridge *fanout.RedisBridge
	if cfg.Realtime.BridgeEnabled {
		bridge = fanout.NewRedisBridge(redisDB, nodeID, logger.Named("bridge"))
		dispatcherOpts = append(dispatcherOpts, fanout.WithRelay(bridge))
	}
	dispatcher := fanout.NewDispatcher(reg, hub, dispatcherOpts...)
	reg.OnPresenceChange(ws.AnnouncePresence(dispatcher))

	// 7. Call coordinator
	callOpts := []call.Option{
		call.WithHistory(callRepo),
		call.WithRecorder(appMetrics),
		call.WithTasks(tasks),
		call.WithLogger(logger.Named("call")),
	}
	if eventLog != nil {
		callOpts = append(callOpts, call.WithEventLog(eventLog))
	}
	callService := call.NewService(users, conversationRepo, dispatcher, callOpts...)
	ws.RegisterCallMethods(hub, callService)

	if bridge != nil {
		go bridge.Run(ctx, dispatcher)
	}
	go callService.RunJanitor(ctx, constants.JanitorInterval, cfg.Realtime.CallRetention)
	go hub.RunPresenceRefresh(ctx, presenceRepo, constants.PresenceRefreshInterval)

	// 8. HTTP router
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware(splitOrigins(cfg.Server.CORSOrigins)))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName))
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)
	revocationChecker := middleware.NewRedisRevocationChecker(redisDB)

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		v1.GET("/ws", hub.ServeWS)

		calls := v1.Group("/calls")
		calls.Use(middleware.NewRateLimiter(redisDB, "calls", 120, time.Minute).Middleware())
		callHandler.NewHandler(callService, eventReader).RegisterRoutes(calls)

		pushHandler.NewHandler(pushTokenRepo).RegisterRoutes(v1.Group("/push"))

		events := v1.Group("/events")
		events.Use(middleware.RequireRole(jwt.RoleService))
		eventsHandler.NewHandler(dispatcher).RegisterRoutes(events)
	}

	// 9. Start server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Realtime service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("env", cfg.Server.Environment),
			zap.Bool("bridge", cfg.Realtime.BridgeEnabled))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer shutdownCancel()

	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	cancel()
	tasks.Wait()
	reg.Close()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("Failed to flush traces", zap.Error(err))
	}

	log.Info("Server exited")
}

func connectCockroach(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*database.DB, error) {
	const maxRetries = 5
	baseDelay := time.Second
	maxDelay := 30 * time.Second

	dbConfig := database.DefaultDBConfig()
	dbConfig.MaxOpenConns = cfg.MaxConns
	dbConfig.MinConns = cfg.MinConns

	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		var db *database.DB
		db, err = database.NewDB(ctx, cfg.DSN(), dbConfig)
		if err == nil {
			log.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db, nil
		}
		if attempt == maxRetries {
			break
		}

		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		log.Warn("CockroachDB connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", maxRetries, err)
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
