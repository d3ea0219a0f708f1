package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/geoloc-api/internal/auth"
	"github.com/example/geoloc-api/internal/config"
	"github.com/example/geoloc-api/internal/handlers"
	"github.com/example/geoloc-api/internal/inference"
	"github.com/example/geoloc-api/internal/logging"
	"github.com/example/geoloc-api/internal/repository"
	"github.com/example/geoloc-api/internal/usecase"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (default: $GEOLOC_CONFIG or configs/geoloc.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	var bundle *inference.Bundle
	if err := runStep("load_bundle", loadTimeout, func(ctx context.Context) error {
		var err error
		bundle, err = inference.Load(ctx, cfg, logger)
		return err
	}); err != nil {
		logger.Fatal("failed to load model bundle", zap.Error(err))
	}
	defer bundle.Close()

	evaluator, err := inference.NewEvaluator(bundle, cfg.Search, logger)
	if err != nil {
		logger.Fatal("invalid search configuration", zap.Error(err))
	}

	var opts []usecase.Option
	if cfg.Database.DSN != "" {
		var db *gorm.DB
		if err := runStep("connect_database", databaseTimeout, func(ctx context.Context) error {
			var err error
			db, err = initDatabase(ctx, cfg.Database.DSN)
			return err
		}); err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		repo := repository.NewPredictionRepository(db, logger)
		if err := runStep("migrate_database", databaseTimeout, repo.AutoMigrate); err != nil {
			logger.Fatal("auto migrate failed", zap.Error(err))
		}
		opts = append(opts, usecase.WithRepository(repo))
	} else {
		logger.Info("prediction history disabled")
	}

	if cfg.Redis.Addr != "" {
		var client *redis.Client
		if err := runStep("connect_redis", redisTimeout, func(ctx context.Context) error {
			var err error
			client, err = initRedis(ctx, cfg.Redis.Addr)
			return err
		}); err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		opts = append(opts, usecase.WithCache(usecase.NewRedisCache(client), cfg.Redis.CacheTTL))
	} else {
		logger.Info("prediction cache disabled")
	}

	uc := usecase.NewPredictionUseCase(evaluator, logger, opts...)

	r := gin.New()
	r.Use(gin.Recovery())
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(cfg.Auth.JWTSecret, cfg.Auth.JWTAudience), logger)

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("geolocation API listening",
		zap.String("addr", cfg.Server.Addr),
		zap.Int("top_k", cfg.Search.TopK),
		zap.Float64("eps", cfg.Search.Eps),
		zap.Int("conf_scale", cfg.Search.ConfScale))
	if err := serveHTTPServer(server, cfg.Server.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// Startup budgets. Each step gets its own deadline.
const (
	loadTimeout     = 2 * time.Minute
	databaseTimeout = 15 * time.Second
	redisTimeout    = 5 * time.Second
)

// runStep runs fn under a fresh timeout of d and tags any failure with step.
func runStep(step string, d time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return logging.NewOperationError("startup."+step, "", fn(ctx))
}

func initDatabase(ctx context.Context, dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func initRedis(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
