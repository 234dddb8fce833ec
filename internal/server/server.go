package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/crosspost-io/crosspost/internal/config"
	"github.com/crosspost-io/crosspost/internal/models"
	"github.com/crosspost-io/crosspost/internal/queue"
	"github.com/crosspost-io/crosspost/internal/service"
)

type Server struct {
	Config *config.Config
	DB     *gorm.DB
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server

	// Services
	Store      *service.GormStore
	Queue      queue.Queue
	Scheduler  *service.Scheduler
	Dispatcher *service.Dispatcher
	Auth       *service.AuthService
}

func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	// Initialize database
	db, err := service.NewDatabase(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	store := service.NewGormStore(db)
	monitoring := service.NewMonitoringService(db, logger)
	registry := service.BuildRegistry(&cfg.Publisher, logger)

	q, err := newQueue(cfg, db, logger)
	if err != nil {
		return nil, err
	}

	orchestrator := service.NewOrchestrator(store, registry, monitoring, logger,
		cfg.Dispatcher.PublishConcurrency)
	scheduler := service.NewScheduler(q, logger)
	dispatcher := service.NewDispatcher(q, orchestrator.Execute, logger,
		cfg.Dispatcher.Workers, cfg.Dispatcher.Poll())

	// Create router
	router := gin.New()

	// Create server
	srv := &Server{
		Config:     cfg,
		DB:         db,
		Router:     router,
		Logger:     logger,
		Store:      store,
		Queue:      q,
		Scheduler:  scheduler,
		Dispatcher: dispatcher,
		Auth:       service.NewAuthService(logger, cfg.Auth.TOTPSecret),
	}

	// Setup middleware and routes
	srv.setupMiddleware()
	srv.setupRoutes()

	return srv, nil
}

func newQueue(cfg *config.Config, db *gorm.DB, logger *zap.Logger) (queue.Queue, error) {
	policy := cfg.Queue.RetryPolicy()
	switch cfg.Queue.Driver {
	case "postgres", "":
		return queue.NewGormQueue(db, logger, policy, cfg.Queue.Lease()), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return queue.NewRedisQueue(client, logger, policy, cfg.Queue.Lease()), nil
	case "memory":
		return queue.NewMemoryQueue(logger, policy), nil
	default:
		return nil, fmt.Errorf("unknown queue driver: %s", cfg.Queue.Driver)
	}
}

func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.Router.Use(gin.Recovery())

	// Logger middleware
	s.Router.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
	}))

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Auth-Token")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})

	// API routes
	api := s.Router.Group("/api/v1")
	api.Use(s.Auth.AuthMiddleware())
	{
		posts := api.Group("/posts")
		{
			posts.POST("/:id/schedule", s.handleSchedulePost)
			posts.POST("/:id/publish", s.handlePublishPost)
			posts.DELETE("/:id/schedule", s.handleCancelSchedule)
			posts.GET("/:id/results", s.handleGetResults)
		}
	}
}

type scheduleRequest struct {
	At *time.Time `json:"at"`
}

func (s *Server) handleSchedulePost(c *gin.Context) {
	postID, ok := s.postID(c)
	if !ok {
		return
	}

	// A missing or empty body means "publish immediately"
	var req scheduleRequest
	_ = c.ShouldBindJSON(&req)

	if _, err := s.Store.LoadPost(c.Request.Context(), postID); err != nil {
		s.notFoundOrError(c, err)
		return
	}

	if err := s.Store.SetPostStatus(c.Request.Context(), postID, models.PostStatusScheduled); err != nil {
		s.Logger.Error("Failed to mark post scheduled", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule post"})
		return
	}

	jobID, err := s.Scheduler.Schedule(c.Request.Context(), postID, req.At)
	if err != nil {
		s.Logger.Error("Failed to schedule post", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule post"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": jobID})
}

func (s *Server) handlePublishPost(c *gin.Context) {
	postID, ok := s.postID(c)
	if !ok {
		return
	}

	if _, err := s.Store.LoadPost(c.Request.Context(), postID); err != nil {
		s.notFoundOrError(c, err)
		return
	}

	jobID, err := s.Scheduler.Schedule(c.Request.Context(), postID, nil)
	if err != nil {
		s.Logger.Error("Failed to enqueue publish", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to publish post"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"job_id": jobID})
}

func (s *Server) handleCancelSchedule(c *gin.Context) {
	postID, ok := s.postID(c)
	if !ok {
		return
	}

	if err := s.Scheduler.Cancel(c.Request.Context(), postID); err != nil {
		s.Logger.Error("Failed to cancel schedule", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel schedule"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Schedule cancelled"})
}

func (s *Server) handleGetResults(c *gin.Context) {
	postID, ok := s.postID(c)
	if !ok {
		return
	}

	post, err := s.Store.LoadPost(c.Request.Context(), postID)
	if err != nil {
		s.notFoundOrError(c, err)
		return
	}

	results, err := s.Store.LoadResults(c.Request.Context(), postID)
	if err != nil {
		s.Logger.Error("Failed to load results", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load results"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  post.Status,
		"results": results,
	})
}

func (s *Server) postID(c *gin.Context) (uint, bool) {
	var id uint
	if _, err := fmt.Sscanf(c.Param("id"), "%d", &id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid post id"})
		return 0, false
	}
	return id, true
}

func (s *Server) notFoundOrError(c *gin.Context, err error) {
	if errors.Is(err, service.ErrPostNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Post not found"})
		return
	}
	s.Logger.Error("Failed to load post", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load post"})
}

func (s *Server) Start(ctx context.Context) error {
	// Start dispatcher workers
	s.Dispatcher.Start(ctx)

	addr := fmt.Sprintf("%s:%d", s.Config.Server.Host, s.Config.Server.Port)

	s.Server = &http.Server{
		Addr:    addr,
		Handler: s.Router,
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", addr))

	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		return s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	}

	return s.Server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop dispatcher first so in-flight jobs finish
	s.Dispatcher.Stop()

	if s.Server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.Server.Shutdown(shutdownCtx)
}
