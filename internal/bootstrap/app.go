package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "sketchroom/internal/handler/http"
	wsHandler "sketchroom/internal/handler/websocket"
	"sketchroom/internal/hub"
	gormpersistence "sketchroom/internal/infra/persistence/gorm"
	"sketchroom/internal/infra/setup"
	redisstate "sketchroom/internal/infra/state/redis"
	"sketchroom/internal/metrics"
	"sketchroom/internal/middleware"
	"sketchroom/internal/service"
	"sketchroom/internal/store"
	"sketchroom/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB
	RedisClient *redis.Client
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer
	Store       *store.Adapter
	Hub         *hub.Hub
	Sweeper     *worker.Sweeper
	HttpServer  *http.Server

	cancel context.CancelFunc
}

// NewLogger 按配置初始化全局 logrus Logger (各包通过 logrus.WithFields 使用它)
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.StandardLogger()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)
	return log
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger
	log := NewLogger(cfg)
	log.Infof("Logger initialized (Level: %s, Format: %T)", log.GetLevel().String(), log.Formatter)
	app := &App{Config: cfg, Log: log}

	// 3. 初始化外部存储。Redis 不可用时服务以纯内存模式运行
	stateStore := store.Disabled()
	if cfg.StoreEnabled() {
		redisClient, err := setup.InitRedis(setup.RedisConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			MaxRetries: cfg.RedisMaxRetries,
		})
		if err != nil {
			log.WithError(err).Warn("Redis unreachable at startup, store adapter will probe until it recovers")
		}
		app.RedisClient = redisClient
		stateRepo := redisstate.NewRedisStateRepository(redisClient, cfg.KeyPrefix)
		stateStore = store.NewAdapter(stateRepo, store.Options{
			OpTimeout:     cfg.StoreOpTimeout,
			MaxFailures:   cfg.StoreMaxFailures,
			ProbeInterval: cfg.StoreProbeInterval,
		})
	} else {
		log.Warn("REDIS_ADDR not set, running in memory-only mode (no persistence across restarts)")
	}
	app.Store = stateStore

	// 4. 房间归档 (MySQL + asynq)，失败只关闭归档功能
	var archiver service.Archiver
	if cfg.ArchiveEnabled() {
		if err := app.initArchive(); err != nil {
			log.WithError(err).Warn("Room archive disabled")
		} else {
			archiver = worker.NewAsynqArchiver(app.AsynqClient)
		}
	} else {
		log.Info("DB_USER or REDIS_ADDR not set, room archive disabled")
	}

	// 5. 初始化 Services
	log.Info("Initializing services...")
	rooms := service.NewRoomService(stateStore, service.RoomOptions{
		ActiveTTL: cfg.RoomActiveTTL,
		EmptyTTL:  cfg.RoomEmptyTTL,
	})
	presence := service.NewPresenceTracker(rooms)
	drawing := service.NewDrawingService(rooms, stateStore, cfg.RoomActiveTTL)
	imageOpts := service.DefaultImageOptions()
	imageOpts.TTL = cfg.RoomActiveTTL
	images := service.NewImageService(rooms, stateStore, imageOpts)
	tokens, err := service.NewCreatorTokenService(cfg.CreatorTokenSecret, cfg.CreatorTokenExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to create CreatorTokenService: %w", err)
	}

	// 6. 初始化 Hub 与清理任务
	app.Hub = hub.NewHub(hub.Services{
		Rooms:    rooms,
		Presence: presence,
		Drawing:  drawing,
		Images:   images,
		Tokens:   tokens,
	}, hub.Options{
		EventsPerSecond: cfg.WSEventsPerSecond,
		EventBurst:      cfg.WSEventBurst,
		MaxMessageBytes: cfg.WSMaxMessageBytes,
	})
	lifecycle := service.NewLifecycleService(rooms, presence, images, stateStore, service.LifecycleOptions{
		InactivityTimeout: cfg.RoomInactivityTimeout,
		ActiveTTL:         cfg.RoomActiveTTL,
		EmptyTTL:          cfg.RoomEmptyTTL,
	}, app.Hub, archiver)
	app.Sweeper = worker.NewSweeper(lifecycle, stateStore, cfg.SweepInterval, cfg.DiagnosticsInterval)

	// 7. 初始化 Gin Engine 和路由
	app.HttpServer = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           NewRouter(cfg, log, stateStore, app.Hub, rooms, tokens),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("Application assembled successfully")
	return app, nil
}

// NewRouter 组装中间件与路由
func NewRouter(cfg *Config, log *logrus.Logger, st *store.Adapter, h *hub.Hub, rooms *service.RoomService, tokens *service.CreatorTokenService) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(log))
	router.Use(metrics.GinMiddleware())
	router.Use(middleware.CORS(cfg.CORSAllowedOrigin))

	roomHandler := httpHandler.NewRoomHandler(rooms, tokens)
	socketHandler := wsHandler.NewWebSocketHandler(h, cfg.CORSAllowedOrigin)

	api := router.Group("/api")
	api.Use(middleware.RateLimit(st, cfg.RateLimitMax, cfg.RateLimitWindow))
	api.Use(middleware.CreatorToken(tokens))
	{
		api.POST("/rooms", roomHandler.CreateRoom)
		api.GET("/rooms/:code", roomHandler.CheckRoom)
	}
	router.GET("/ws", middleware.CreatorToken(tokens), socketHandler.HandleConnection)
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong", "store": st.Available()}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return router
}

// initArchive 初始化 MySQL、迁移表结构，并创建 asynq client 与 worker server
func (a *App) initArchive() error {
	db, err := setup.InitDB(setup.DBConfig{
		User:     a.Config.DBUser,
		Password: a.Config.DBPassword,
		Host:     a.Config.DBHost,
		Port:     a.Config.DBPort,
		Name:     a.Config.DBName,
	})
	if err != nil {
		return fmt.Errorf("failed to init DB: %w", err)
	}
	if err := setup.MigrateDB(db); err != nil {
		return fmt.Errorf("failed to migrate DB: %w", err)
	}
	a.DB = db

	redisOpt := asynq.RedisClientOpt{
		Addr:     a.Config.RedisAddr,
		Password: a.Config.RedisPassword,
		DB:       a.Config.RedisDB,
	}
	a.AsynqClient = asynq.NewClient(redisOpt)
	a.AsynqServer = worker.NewWorkerServer(redisOpt, gormpersistence.NewGormArchiveRepository(db), a.Log)
	a.Log.Info("Room archive initialized (MySQL + asynq)")
	return nil
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	go a.Hub.Run()
	go a.Sweeper.Run(ctx)
	if a.AsynqServer != nil {
		go a.AsynqServer.Start()
	}

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 停止清理任务和过期订阅
	if a.cancel != nil {
		a.cancel()
	}

	// 2. 停止接收新连接，再断开现有连接
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}

	// 3. 关闭 Worker Server 与 Asynq Client
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}

	// 4. 关闭 Redis 与数据库连接
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		} else {
			a.Log.Info("Redis connection closed.")
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Log.Errorf("Error closing database connection: %v", err)
			}
		}
	}

	a.Log.Info("Application shutdown complete.")
}
