// Package database coordinates the pool's storage backends: PostgreSQL for
// durable share and block records, Redis for volatile monitoring state, and
// InfluxDB for time-series metrics.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/ulordpool/gusp/internal/database/influx"
	"github.com/ulordpool/gusp/internal/database/postgres"
	"github.com/ulordpool/gusp/internal/database/redis"
	"github.com/ulordpool/gusp/pkg/circuit"
	"github.com/ulordpool/gusp/pkg/errors"
	"github.com/ulordpool/gusp/pkg/log"
	"github.com/ulordpool/gusp/pkg/retry"
)

// Manager coordinates operations across all storage backends.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Shares *postgres.ShareRepository
	Blocks *postgres.BlockRepository

	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager creates a database manager with all connections open and
// verified.
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL database")
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis database")
			return nil, origErr.WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
			"failed to connect to Redis database")
	}

	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		var closeErrs []error
		if closeErr := pgClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}

		origErr := errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
			"failed to connect to InfluxDB database")

		if len(closeErrs) > 0 {
			return nil, origErr.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return nil, origErr
	}

	cbConfig := &circuit.Config{
		MaxFailures:     3,
		SuccessRequired: 2,
		Timeout:         30 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &Manager{
		Postgres:       pgClient,
		Redis:          redisClient,
		Influx:         influxClient,
		Shares:         postgres.NewShareRepository(pgClient.DB()),
		Blocks:         postgres.NewBlockRepository(pgClient.DB()),
		logger:         logger.WithComponent("database"),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.DatabaseConfig(),
	}, nil
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// High-level operations that coordinate across multiple databases

// hashrateWindow is how far back share samples count toward hashrate.
const hashrateWindow = 10 * time.Minute

// RecordShare stores a processed share. The PostgreSQL insert is the
// critical path; Redis and InfluxDB writes are best effort.
func (m *Manager) RecordShare(ctx context.Context, share *postgres.Share) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Shares.InsertShare(ctx, share); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
					"failed to store share in PostgreSQL").
					WithContext("miner_address", share.MinerAddress).
					WithContext("worker_name", share.WorkerName).
					WithContext("share_difficulty", share.Difficulty)
			}

			m.Influx.WriteShareMetric(
				share.MinerAddress,
				share.WorkerName,
				share.Difficulty,
				share.ShareDiff,
				share.NetworkDifficulty,
				share.IsValid,
				share.IsBlockCandidate,
			)

			if share.IsValid {
				if err := m.Redis.RecordShareDiff(ctx, share.MinerAddress, share.WorkerName,
					share.Difficulty, hashrateWindow); err != nil {
					m.logger.WithError(err).Warn("failed to record share diff in Redis")
				}
			}

			if watched, err := m.Redis.IsWatched(ctx, share.MinerAddress); err == nil && watched {
				if err := m.Redis.RecordWatchedShare(ctx, share.MinerAddress, share); err != nil {
					m.logger.WithError(err).Warn("failed to append watched share feed")
				}
			}

			return nil
		})
	})
}

// RecordBlock stores a submitted block.
func (m *Manager) RecordBlock(ctx context.Context, block *postgres.Block) error {
	return m.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, m.retryConfig, func() error {
			if err := m.Blocks.InsertBlock(ctx, block); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_block",
					"failed to store block in PostgreSQL").
					WithContext("block_hash", block.Hash).
					WithContext("block_height", block.Height)
			}

			m.Influx.WriteBlockMetric(
				block.Height,
				block.Hash,
				block.MinerAddress,
				block.WorkerName,
				block.Status,
				block.Difficulty,
				block.Reward,
			)

			return nil
		})
	})
}

// PoolStats aggregates cross-backend pool statistics.
type PoolStats struct {
	TotalHashrate float64
	RecentBlocks  []*postgres.Block
	LastUpdated   time.Time
}

// GetPoolStats retrieves pool-wide statistics.
func (m *Manager) GetPoolStats(ctx context.Context) (*PoolStats, error) {
	poolHashrate, err := m.Influx.GetPoolHashrate(ctx, hashrateWindow)
	if err != nil {
		poolHashrate = 0
	}

	recentBlocks, err := m.Blocks.GetRecentBlocks(ctx, 10, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent blocks: %w", err)
	}

	return &PoolStats{
		TotalHashrate: poolHashrate,
		RecentBlocks:  recentBlocks,
		LastUpdated:   time.Now(),
	}, nil
}

// StartPeriodicTasks runs background maintenance until the context ends.
func (m *Manager) StartPeriodicTasks(ctx context.Context) {
	// Flush InfluxDB writes every 10 seconds
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()
}
