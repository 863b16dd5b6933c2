package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/damoang/bagtag-backend/internal/config"
	"github.com/damoang/bagtag-backend/internal/handler"
	"github.com/damoang/bagtag-backend/internal/jobs"
	"github.com/damoang/bagtag-backend/internal/middleware"
	"github.com/damoang/bagtag-backend/internal/migration"
	"github.com/damoang/bagtag-backend/internal/queue"
	"github.com/damoang/bagtag-backend/internal/repository"
	"github.com/damoang/bagtag-backend/internal/routes"
	"github.com/damoang/bagtag-backend/internal/service"
	pkgcache "github.com/damoang/bagtag-backend/pkg/cache"
	"github.com/damoang/bagtag-backend/pkg/fieldcrypt"
	"github.com/damoang/bagtag-backend/pkg/jwt"
	pkglogger "github.com/damoang/bagtag-backend/pkg/logger"
	"github.com/damoang/bagtag-backend/pkg/mail"
	pkgredis "github.com/damoang/bagtag-backend/pkg/redis"
	"github.com/damoang/bagtag-backend/pkg/turnstile"
	"github.com/redis/go-redis/v9"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// getConfigPath returns config file path based on APP_ENV environment variable
func getConfigPath() string {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf("configs/config.%s.yaml", env)
}

// @title           BagTag Backend API
// @version         1.0
// @description     Lost bag finder/owner messaging and notification API
// @BasePath        /api/v1
//
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Session token issued by /auth/magic-link/verify. Example: "Bearer {token}"
func main() {
	dotenvFiles := config.LoadDotEnv()

	// 로거 초기화
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "local"
	}
	pkglogger.InitStructured(env)
	log := pkglogger.GetLogger()
	log.Info().Str("env", env).Strs("env_files", dotenvFiles).Msg("starting bagtag api")

	// 설정 로드
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}
	config.LogResolved(cfg, log)

	// Postgres 연결 (필수)
	db, err := initDB(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	if err := migration.Run(db); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("connected to postgres")

	// Redis 연결 (없으면 캐시 없이 동작)
	redisClient, err := pkgredis.NewClient(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		cfg.Redis.PoolSize,
	)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, continuing without cache")
		redisClient = nil
	} else {
		log.Info().Msg("connected to redis")
	}
	cache := pkgcache.NewService(redisClient)

	key, err := cfg.Encryption.Key()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid encryption key")
	}
	if key == nil {
		log.Warn().Msg("encryption.master_key is empty, new conversations will be rejected")
	}
	crypt, err := fieldcrypt.New(key)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init field encryption")
	}

	// Repositories
	bagRepo := repository.NewBagRepository(db, nil)
	convRepo := repository.NewConversationRepository(db, nil)
	prefRepo := repository.NewPreferenceRepository(db, nil)
	jobRepo := repository.NewNotificationJobRepository(db, nil)

	// Token manager
	jwtManager := jwt.NewManager(cfg.JWT.Secret, cfg.JWT.MagicLinkTTL, cfg.JWT.SessionTTL, service.NewMagicLinkTracker(cache))

	verifier := turnstile.Disabled()
	if cfg.Turnstile.Enabled {
		verifier = turnstile.New(cfg.Turnstile.Secret, cfg.Turnstile.VerifyURL, cfg.Turnstile.Timeout)
	} else {
		log.Warn().Msg("turnstile disabled")
	}

	// Notification queue
	breaker := queue.NewCircuitBreaker(cfg.Breaker.Threshold, cfg.Breaker.Cooldown, nil)
	notifications := queue.New(jobRepo, crypt, mail.NewLogTransport(pkglogger.Component("mail")), breaker, queue.Config{
		Workers:            cfg.Queue.Workers,
		PollInterval:       cfg.Queue.PollInterval,
		MaxAttempts:        cfg.Queue.MaxAttempts,
		BackoffBase:        cfg.Queue.BackoffBase,
		SendTimeout:        cfg.Queue.SendTimeout,
		LeaseTimeout:       cfg.Queue.LeaseTimeout,
		CompletedRetention: cfg.Queue.CompletedRetention,
	}, pkglogger.Component("queue"))

	// Services
	counters := service.NewCounterStore(cache)
	unread := service.NewUnreadCounter(cache)
	conversationService := service.NewConversationService(service.ConversationDeps{
		Conversations: convRepo,
		Bags:          bagRepo,
		Preferences:   prefRepo,
		Cache:         cache,
		Crypt:         crypt,
		Counters:      counters,
		Unread:        unread,
		Notifier:      notifications,
		Links:         jwtManager,
		Verifier:      verifier,
		PublicURL:     cfg.App.PublicURL,
		Logger:        pkglogger.Component("conversation"),
	})
	ownerService := service.NewOwnerService(bagRepo, convRepo, cache, crypt, unread, pkglogger.Component("owner"))
	authService := service.NewAuthService(jwtManager, pkglogger.Component("auth"))

	// Scheduled jobs
	scheduler := jobs.NewScheduler(cfg.Jobs.TickInterval, pkglogger.Component("scheduler"))
	jobs.Register(scheduler, cfg.Jobs, jobs.Set{
		Reconcile:   jobs.NewReconciliationJob(convRepo, bagRepo, counters, unread, 0, pkglogger.Component("reconcile")),
		CounterSync: jobs.NewCounterSyncJob(convRepo, counters, 0, pkglogger.Component("counter_sync")),
		Retention: jobs.NewRetentionSweeper(convRepo, bagRepo, cache, counters, unread,
			cfg.Jobs.AutoArchiveDays, pkglogger.Component("retention")),
		Queue: notifications,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifications.Start(ctx)
	scheduler.Start(ctx)
	go recordDBStats(ctx, db)

	// Gin 라우터 설정
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(corsConfig(cfg.CORS.AllowOrigins)))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestLogger())

	routes.Setup(router, routes.Handlers{
		Conversation: handler.NewConversationHandler(conversationService),
		Owner:        handler.NewOwnerHandler(ownerService),
		Auth:         handler.NewAuthHandler(authService),
		Health:       handler.NewHealthHandler(db, cache, notifications, scheduler),
	}, authService, redisClient)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	scheduler.Stop()
	notifications.Stop()
	closeRedis(redisClient)
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	log.Info().Msg("bye")
}

func corsConfig(allowOrigins string) cors.Config {
	origins := []string{}
	for _, o := range strings.Split(allowOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	return cors.Config{
		AllowOrigins:  origins,
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Request-ID"},
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		ExposeHeaders: []string{"X-Request-ID", "X-RateLimit-Remaining"},
		MaxAge:        24 * time.Hour,
	}
}

// recordDBStats 커넥션 풀 지표를 주기적으로 기록
func recordDBStats(ctx context.Context, db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			middleware.RecordDBStats(sqlDB.Stats())
		}
	}
}

func closeRedis(client *redis.Client) {
	if client != nil {
		_ = client.Close()
	}
}

// initDB Postgres 연결 초기화
func initDB(cfg *config.Config) (*gorm.DB, error) {
	logLevel := gormlogger.Warn
	if cfg.Server.Mode == gin.DebugMode {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.GetDSN()), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(logLevel),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	return db, nil
}
