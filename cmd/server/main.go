package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/threadcast/internal/api"
	"github.com/lalith-99/threadcast/internal/cache"
	"github.com/lalith-99/threadcast/internal/config"
	"github.com/lalith-99/threadcast/internal/db"
	"github.com/lalith-99/threadcast/internal/middleware"
	"github.com/lalith-99/threadcast/internal/observ"
	"github.com/lalith-99/threadcast/internal/realtime"
	"github.com/lalith-99/threadcast/internal/repository/postgres"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	// Startup has no request deadline — Background() is the right root here.
	// Each request and websocket operation gets its own bounded context once
	// the server is running.
	database, err := db.New(context.Background(), cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	redis, err := cache.New(context.Background(), cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer redis.Close()

	pool := database.Pool()
	threadRepo := postgres.NewThreadStore(pool)
	participantRepo := postgres.NewParticipantStore(pool)
	messageRepo := postgres.NewMessageStore(pool)
	reactionRepo := postgres.NewReactionStore(pool)
	attachmentRepo := postgres.NewAttachmentStore(pool)
	userRepo := postgres.NewUserStore(pool)

	// Realtime core, leaves first: registry and presence, then the replay
	// queues and rooms that broadcast through them, then the pipeline and
	// the supervisor that ties a connection into all of it.
	registry := realtime.NewRegistry()
	presence := realtime.NewPresence(registry, redis, logger)
	replay := realtime.NewReplay(redis, cfg.MissedEventTTL, logger)
	rooms := realtime.NewRooms(registry, participantRepo, presence, replay, redis, logger)
	if err := rooms.Start(context.Background()); err != nil {
		return fmt.Errorf("start room fan-out: %w", err)
	}
	defer rooms.Close()

	typing := realtime.NewTypingTracker(rooms, cfg.TypingTTL, logger)
	limiter := realtime.NewRateLimiter(redis, cfg.SendRateCap, cfg.SendRateWindow, logger)
	pipeline := realtime.NewPipeline(
		messageRepo, participantRepo, reactionRepo, attachmentRepo,
		limiter, rooms, presence,
		cfg.OpTimeout, cfg.MaxMessageBytes, logger,
	)
	supervisor := realtime.NewSupervisor(
		cfg.JWTSecret,
		registry, presence, typing, rooms, pipeline, replay, participantRepo,
		logger,
	)

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := gin.New()
	srv.Use(gin.Logger(), gin.Recovery())

	// Health check is public — load balancers hit this to see if the
	// instance is alive, including its database and cache.
	srv.GET("/v1/health", func(c *gin.Context) {
		if err := database.Health(c.Request.Context()); err != nil {
			c.JSON(503, gin.H{"status": "degraded", "database": "down"})
			return
		}
		if err := redis.Health(c.Request.Context()); err != nil {
			c.JSON(503, gin.H{"status": "degraded", "cache": "down"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	authHandler := api.NewAuthHandler(userRepo, cfg, logger)
	srv.POST("/v1/auth/signup", authHandler.Signup)
	srv.POST("/v1/auth/login", authHandler.Login)

	v1 := srv.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	threadHandler := api.NewThreadHandler(threadRepo, participantRepo, supervisor, logger)
	v1.POST("/threads", threadHandler.Create)
	v1.GET("/threads", threadHandler.List)
	v1.GET("/threads/:id", threadHandler.Get)

	participantHandler := api.NewParticipantHandler(participantRepo, supervisor, logger)
	v1.GET("/threads/:id/participants", participantHandler.List)
	v1.POST("/threads/:id/participants", participantHandler.Add)
	v1.DELETE("/threads/:id/participants/:userID", participantHandler.Remove)
	v1.PATCH("/threads/:id/participants/:userID", participantHandler.SetRole)

	messageHandler := api.NewMessageHandler(messageRepo, participantRepo, logger)
	v1.GET("/threads/:id/messages", messageHandler.List)

	userHandler := api.NewUserHandler(userRepo, logger)
	v1.GET("/users/me", userHandler.Me)
	v1.GET("/users/:id", userHandler.Get)

	// The websocket endpoint authenticates inside the upgrade (token query
	// parameter), so it sits outside the bearer middleware.
	srv.GET("/v1/ws", supervisor.HandleWS)

	logger.Info("starting Threadcast",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
	)
	return srv.Run(":" + cfg.Port)
}
