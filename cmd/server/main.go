package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/equicourse/collab-server/api"
	"github.com/equicourse/collab-server/auth"
	"github.com/equicourse/collab-server/internal/config"
	"github.com/equicourse/collab-server/internal/slogging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments configure via environment
	_ = godotenv.Load()

	configFile := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := slogging.Initialize(slogging.Config{
		Level:            slogging.ParseLogLevel(cfg.Logging.Level),
		IsDev:            cfg.Logging.IsDev,
		LogDir:           cfg.Logging.LogDir,
		MaxAgeDays:       cfg.Logging.MaxAgeDays,
		MaxSizeMB:        cfg.Logging.MaxSizeMB,
		MaxBackups:       cfg.Logging.MaxBackups,
		AlsoLogToConsole: cfg.Logging.AlsoLogToConsole,
	}); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	logger := slogging.Get()
	defer func() { _ = logger.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := connectPostgres(ctx, cfg.Database.Postgres)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	redisClient := connectRedis(ctx, cfg.Database.Redis)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	membershipStore := auth.NewPostgresMembershipStore(pool)
	membership := auth.NewMembershipService(membershipStore, redisClient, 5*time.Minute)
	validator := auth.NewJWTValidator(cfg.Auth.JWT.Secret)

	hub := api.NewWebSocketHub(membership, cfg.WebSocket)
	server := api.NewServer(hub, validator)

	if !cfg.Logging.IsDev {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(slogging.LoggerMiddleware())
	router.Use(slogging.Recoverer())
	server.RegisterHandlers(router)

	addr := fmt.Sprintf("%s:%s", cfg.Server.Interface, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Collaboration server listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received, draining connections")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

func connectPostgres(ctx context.Context, cfg config.PostgresConfig) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.ConnString())
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}

	slogging.Get().Info("Connected to postgres at %s:%s", cfg.Host, cfg.Port)
	return pool, nil
}

// connectRedis returns nil when redis is unreachable; the membership service
// then skips its cache and every check hits the account database.
func connectRedis(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		slogging.Get().Warn("Redis unavailable at %s, membership cache disabled: %v", cfg.Addr(), err)
		_ = client.Close()
		return nil
	}

	slogging.Get().Info("Connected to redis at %s", cfg.Addr())
	return client
}
