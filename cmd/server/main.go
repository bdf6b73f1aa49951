package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/Baaaki/chatcore/internal/broker"
	"github.com/Baaaki/chatcore/internal/config"
	"github.com/Baaaki/chatcore/internal/database"
	"github.com/Baaaki/chatcore/internal/export"
	"github.com/Baaaki/chatcore/internal/handler"
	"github.com/Baaaki/chatcore/internal/metrics"
	"github.com/Baaaki/chatcore/internal/middleware"
	"github.com/Baaaki/chatcore/internal/presence"
	"github.com/Baaaki/chatcore/internal/repository"
	"github.com/Baaaki/chatcore/internal/service"
	"github.com/Baaaki/chatcore/internal/session"
	"github.com/Baaaki/chatcore/internal/typing"
	"github.com/Baaaki/chatcore/internal/wal"
	"github.com/Baaaki/chatcore/pkg/logger"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load config: " + err.Error())
	}

	if err := logger.Init(!cfg.IsProduction()); err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()
	logger.Log = logger.Log.With(zap.String("node_id", cfg.NodeID))
	log := logger.Log

	log.Info("Config loaded successfully", zap.String("environment", cfg.Environment))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(cfg.DatabaseURL, !cfg.IsProduction())
	if err != nil {
		log.Fatal("Failed to connect database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to migrate database", zap.Error(err))
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatal("Invalid REDIS_URL", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	m := metrics.New()

	// Broker, relayed through Redis when several nodes share the channels
	hubOpts := []broker.Option{broker.WithMetrics(m), broker.WithLogger(logger.Named("broker"))}
	var relay *broker.RedisRelay
	if cfg.RedisRelay {
		relay = broker.NewRedisRelay(redisClient, logger.Named("relay"))
		hubOpts = append(hubOpts, broker.WithUpstream(relay))
	}
	hub := broker.NewHub(hubOpts...)
	if relay != nil {
		if err := relay.Start(ctx, hub); err != nil {
			log.Fatal("Failed to start Redis relay", zap.Error(err))
		}
		defer relay.Close()
	}

	// Ephemeral state
	typingStore := typing.NewStore(redisClient, hub, cfg.TypingTTL,
		typing.WithMetrics(m), typing.WithLogger(logger.Named("typing")))
	tracker := presence.NewTracker(redisClient, hub, cfg.PresenceWindow,
		presence.WithMetrics(m), presence.WithLogger(logger.Named("presence")))

	// Durable state
	serviceOpts := []service.Option{service.WithLogger(logger.Named("messages"))}
	var exporter *export.Exporter
	if cfg.ExportEnabled() {
		journal, err := wal.NewWAL(cfg.WALPath)
		if err != nil {
			log.Fatal("Failed to initialize WAL", zap.Error(err))
		}
		defer journal.Close()

		producer, err := export.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			log.Fatal("Failed to initialize Kafka producer", zap.Error(err))
		}
		exporter = export.New(producer, journal, cfg.KafkaMentionsTopic,
			export.WithMetrics(m), export.WithLogger(logger.Named("export")))
		defer exporter.Close()

		serviceOpts = append(serviceOpts, service.WithJournal(journal))
	}

	messages := service.NewMessageService(repository.NewStore(db), hub, serviceOpts...)
	svc := handler.Services{
		Messages:  messages,
		Reactions: service.NewReactionService(messages),
		Mentions:  service.NewMentionService(messages),
		Typing:    typingStore,
		Presence:  tracker,
	}

	sessions := session.NewManager(hub, tracker, typingStore,
		session.WithBuffer(cfg.SessionBuffer),
		session.WithCommandRate(cfg.WSCommandRate, cfg.WSCommandBurst),
		session.WithMetrics(m),
		session.WithLogger(logger.Named("sessions")),
	)

	// Background loops
	var background sync.WaitGroup
	run := func(fn func()) {
		background.Add(1)
		go func() {
			defer background.Done()
			fn()
		}()
	}
	run(func() { typingStore.Run(ctx, cfg.TypingSweepInterval) })
	run(func() { tracker.Run(ctx, cfg.PresenceSweepInterval) })
	if exporter != nil {
		run(func() { exporter.Run(ctx, cfg.ExportInterval) })
	}

	// Handlers
	chatHandler := handler.NewChatHandler(svc, cfg.RequestTimeout, logger.Named("http"))
	wsHandler := handler.NewWebSocketHandler(svc, sessions, cfg.CORSOrigins, cfg.RequestTimeout, m, logger.Named("ws"))
	healthHandler := handler.NewHealthHandler(db, redisClient)

	rateLimiter := middleware.NewRateLimiter(redisClient, middleware.RateLimiterConfig{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      cfg.RateLimitWindow,
		BlockTime:   cfg.RateLimitBlockTime,
	}, logger.Named("ratelimit"))
	moderationHandler := handler.NewModerationHandler(svc, rateLimiter, hub, cfg.RequestTimeout, logger.Named("moderation"))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(logger.Named("http")))
	router.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.HSTSMiddleware(cfg.IsProduction()))

	router.GET("/healthz", healthHandler.Check)
	router.GET("/metrics", gin.WrapH(m.Handler()))

	// Protected routes (require JWT)
	protected := router.Group("/api")
	protected.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	protected.Use(rateLimiter.Middleware())
	{
		chatHandler.Register(protected)
		moderationHandler.Register(protected)
		protected.GET("/ws", wsHandler.HandleWebSocket)
	}

	srv := &http.Server{
		Addr:              cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// hijacked WebSocket connections are not tracked by Shutdown
	sessions.CloseAll(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}
	background.Wait()

	log.Info("Server exited")
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if slices.Contains(origins, "*") {
		// credentials cannot be combined with a wildcard origin
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}
