// Package main implements poold, the Ulord mining pool daemon. It serves
// stratum miners, builds jobs from the coin daemon, submits solved blocks,
// and fans share records out to Kafka and the databases.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ulordpool/gusp/internal/chain"
	"github.com/ulordpool/gusp/internal/config"
	"github.com/ulordpool/gusp/internal/daemon"
	"github.com/ulordpool/gusp/internal/database"
	"github.com/ulordpool/gusp/internal/database/influx"
	"github.com/ulordpool/gusp/internal/database/postgres"
	"github.com/ulordpool/gusp/internal/database/redis"
	"github.com/ulordpool/gusp/internal/messaging"
	"github.com/ulordpool/gusp/internal/pool"
	"github.com/ulordpool/gusp/pkg/log"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	poolCfg, err := config.LoadPool(cfg.PoolConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load pool config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting poold",
		"version", cfg.Version,
		"coin", poolCfg.Coin.Name,
		"algorithm", poolCfg.Coin.Algorithm,
		"ports", len(poolCfg.Ports),
	)

	algo, err := algorithmByName(poolCfg.Coin.Algorithm)
	if err != nil {
		logger.WithError(err).Error("unknown algorithm")
		os.Exit(1)
	}

	// Create Kafka client
	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger.Logger)

	// Create database manager
	dbConfig := &database.Config{
		Postgres: &postgres.Config{
			Host:         cfg.PostgresHost,
			Port:         cfg.PostgresPort,
			Database:     cfg.PostgresDatabase,
			User:         cfg.PostgresUser,
			Password:     cfg.PostgresPassword,
			SSLMode:      cfg.PostgresSSLMode,
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		Redis: &redis.Config{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	}

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create database manager")
		os.Exit(1)
	}

	// Connect to the coin daemon
	daemonClient, err := daemon.NewClient(&daemon.Config{
		Host:     poolCfg.Daemon.Host,
		Port:     poolCfg.Daemon.Port,
		User:     poolCfg.Daemon.User,
		Password: poolCfg.Daemon.Password,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to create daemon client")
		os.Exit(1)
	}

	var notifier *daemon.BlockNotifier
	if poolCfg.Daemon.ZMQEndpoint != "" {
		notifier, err = daemon.NewBlockNotifier(poolCfg.Daemon.ZMQEndpoint, logger)
		if err != nil {
			logger.WithError(err).Error("failed to create block notifier")
			os.Exit(1)
		}
		if err := notifier.Connect(); err != nil {
			logger.WithError(err).Error("failed to connect block notifier")
			os.Exit(1)
		}
	}

	// Assemble the pool
	minerPool, err := pool.New(&pool.Options{
		Config:    poolCfg,
		Algorithm: algo,
		Daemon:    daemonClient,
		Notifier:  notifier,
		Kafka:     kafkaClient,
		DB:        dbManager,
		Logger:    logger,
	})
	if err != nil {
		logger.WithError(err).Error("failed to assemble pool")
		os.Exit(1)
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbManager.StartPeriodicTasks(ctx)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Run the pool
	runErr := make(chan error, 1)
	go func() {
		runErr <- minerPool.Run(ctx)
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			logger.WithError(err).Error("pool failed")
		}
	}
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := minerPool.Server().Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("stratum shutdown failed")
	}

	if notifier != nil {
		if err := notifier.Close(); err != nil {
			logger.WithError(err).Error("block notifier close failed")
		}
	}
	daemonClient.Close()

	if err := kafkaClient.Close(); err != nil {
		logger.WithError(err).Error("kafka close failed")
	}
	if err := dbManager.Close(); err != nil {
		logger.WithError(err).Error("database close failed")
	}

	logger.Info("poold stopped")
}

// algorithmByName maps the pool file's algorithm name to an implementation.
func algorithmByName(name string) (*chain.Algorithm, error) {
	switch name {
	case "", "sha256d", "sha256":
		return chain.Sha256dAlgorithm(), nil
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", name)
	}
}
