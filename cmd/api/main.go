package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/giftwallet/internal/config"
	"github.com/congo-pay/giftwallet/internal/infra"
	"github.com/congo-pay/giftwallet/internal/logging"
	"github.com/congo-pay/giftwallet/internal/server"
)

func main() {
	// a missing .env is fine; real deployments use the environment
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New("giftwallet-api", cfg.LogLevel)

	ctx := context.Background()
	opts := server.Options{}

	var db *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		db, err = infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		opts.DB = db

		if cfg.MigrationsDir != "" {
			applied, err := infra.Migrate(ctx, db, cfg.MigrationsDir)
			if err != nil {
				logger.Error("apply migrations", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied", "files", applied)
		}
	}

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		}()
		opts.Cache = cache
	}

	if len(cfg.KafkaBrokers) > 0 {
		writer, err := infra.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			logger.Error("configure kafka", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Warn("close kafka writer", "error", err)
			}
		}()
		opts.Events = writer
	}

	srv, err := server.New(cfg, opts, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
