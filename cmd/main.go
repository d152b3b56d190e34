package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-redis/redis/v8"
	_ "github.com/go-sql-driver/mysql"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	httpSwagger "github.com/swaggo/http-swagger"
	_ "github.com/xpensify/backend/docs"
	"github.com/xpensify/backend/internal/cache"
	"github.com/xpensify/backend/internal/handlers"
	"github.com/xpensify/backend/internal/repositories"
	"github.com/xpensify/backend/internal/services"
	"github.com/xpensify/backend/libs/auth/middleware"
	"github.com/xpensify/backend/libs/auth/service"
	"github.com/xpensify/backend/libs/config"
	"github.com/xpensify/backend/libs/logger"
	loggerMiddleware "github.com/xpensify/backend/libs/logger/middleware"
	sharedMiddleware "github.com/xpensify/backend/libs/middlewares"
	"go.uber.org/zap"
)

// @title Learning Progress API
// @version 1.0
// @description API for recording learning activity and tracking daily learning streaks
// @termsOfService http://swagger.io/terms/

// @contact.name API Support

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /api/v1
// @securityDefinitions.apikey ApiKeyAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.
// @securityDefinitions.apikey ServiceApiKey
// @in header
// @name X-API-Key
// @description Service API key for administrative routes.
func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v\n", err)
	}

	// Initialize logger
	if err := logger.Init(cfg.Logging.Level); err != nil {
		log.Fatalf("Failed to initialize logger: %v\n", err)
	}
	defer logger.Sync()

	logger.Logger.Info("Starting Learning Progress Service",
		zap.String("streak_timezone", cfg.Streak.Location.String()),
	)

	// Connect to database
	db, err := connectDB(cfg.DSN())
	if err != nil {
		logger.Logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Run migrations
	if err := runMigrations(db); err != nil {
		logger.Logger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Connect to Redis (optional)
	var streakCache services.StreakCache
	if rdb := connectRedis(cfg); rdb != nil {
		defer rdb.Close()
		streakCache = cache.NewStreakCache(rdb, cfg.Streak.CacheTTL)
	}

	// Initialize JWT token validator
	tokenGenerator := service.NewTokenGenerator(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	// Initialize repositories
	progressRepo := repositories.NewProgressRepository(db)
	streakRepo := repositories.NewUserStreakRepository(db)

	// Initialize services
	progressService := services.NewProgressService(progressRepo, streakRepo, streakCache, logger.Logger, cfg.Streak.Location)

	// Initialize handlers
	progressHandler := handlers.NewProgressHandler(progressService, logger.Logger)
	adminHandler := handlers.NewAdminHandler(progressService, logger.Logger)

	// Initialize auth middleware
	authMiddleware := middleware.AuthMiddleware(tokenGenerator)
	apiKeyMiddleware := middleware.APIKeyMiddleware(cfg.APIKey)
	if cfg.APIKey == "" {
		logger.Logger.Warn("API_KEY is not set, administrative routes will reject every request")
	}

	// Setup router
	r := chi.NewRouter()

	// Apply middleware
	r.Use(sharedMiddleware.RequestIDMiddleware)
	r.Use(loggerMiddleware.LoggerMiddleware(logger.Logger))
	r.Use(sharedMiddleware.RecoveryMiddleware(logger.Logger))
	r.Use(sharedMiddleware.CORSMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(httprate.LimitByIP(cfg.Server.RateLimitPerMinute, time.Minute))
	r.Use(sharedMiddleware.BodyLimitMiddleware(cfg.Server.MaxBodyBytes, logger.Logger))

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL(fmt.Sprintf("http://localhost:%d/swagger/doc.json", cfg.Server.Port)),
	))

	// Scope router to /api/v1
	r.Route("/api/v1", func(r chi.Router) {
		// Every database round trip of a request shares this deadline. Handlers answer an
		// expired deadline with 503 and Retry-After; the middleware's own 504 comes after
		// the response was written and never reaches the client.
		r.Use(chimiddleware.Timeout(cfg.Server.RequestTimeout))

		// Register progress routes
		progressHandler.RegisterRoutes(r, authMiddleware)
		// Register admin routes with API key middleware
		r.Group(func(r chi.Router) {
			r.Use(apiKeyMiddleware)
			adminHandler.RegisterRoutes(r)
		})
	})

	// Start server
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Logger.Info("Server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Logger.Info("Server exited")
}

// connectDB connects to the database
func connectDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}

// connectRedis connects to the streak cache.
// It returns nil when Redis is not configured or not reachable; the service then reads streaks from MySQL only.
func connectRedis(cfg *config.Config) *redis.Client {
	addr := cfg.RedisAddr()
	if addr == "" {
		logger.Logger.Info("REDIS_HOST is not set, streak cache disabled")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Logger.Warn("Failed to connect to Redis, streak cache disabled", zap.String("addr", addr), zap.Error(err))
		rdb.Close()
		return nil
	}

	return rdb
}

// runMigrations runs database migrations
func runMigrations(db *sql.DB) error {
	// Use service-specific migration table name to avoid conflicts with other services
	driver, err := mysql.WithInstance(db, &mysql.Config{
		MigrationsTable: "progress_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	// Get the working directory or use migrations folder relative to the binary
	migrationPath := "file://migrations"
	if _, err := os.Stat("migrations"); os.IsNotExist(err) {
		// Try parent directory if running from cmd
		if _, err := os.Stat("../migrations"); err == nil {
			migrationPath = "file://../migrations"
		}
	}

	m, err := migrate.NewWithDatabaseInstance(
		migrationPath,
		"mysql",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
