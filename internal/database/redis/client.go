// Package redis holds the pool's volatile state: watched-address share
// feeds, ban persistence across restarts, and hashrate sample windows.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps Redis operations for the pool.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Watched-address monitoring. Operators register payout addresses they want
// a live share feed for; every share from a watched address lands in a
// per-address sorted set scored by submit time.

// AddWatchedAddress registers an address for share monitoring.
func (c *Client) AddWatchedAddress(ctx context.Context, address string) error {
	if err := c.rdb.SAdd(ctx, "watched_addresses", address).Err(); err != nil {
		return fmt.Errorf("failed to add watched address: %w", err)
	}
	return nil
}

// RemoveWatchedAddress drops an address from monitoring.
func (c *Client) RemoveWatchedAddress(ctx context.Context, address string) error {
	if err := c.rdb.SRem(ctx, "watched_addresses", address).Err(); err != nil {
		return fmt.Errorf("failed to remove watched address: %w", err)
	}
	return nil
}

// IsWatched reports whether an address has a share feed.
func (c *Client) IsWatched(ctx context.Context, address string) (bool, error) {
	watched, err := c.rdb.SIsMember(ctx, "watched_addresses", address).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check watched address: %w", err)
	}
	return watched, nil
}

// RecordWatchedShare appends one share to an address's feed, scored by the
// submit time in milliseconds.
func (c *Client) RecordWatchedShare(ctx context.Context, address string, share any) error {
	jsonData, err := json.Marshal(share)
	if err != nil {
		return fmt.Errorf("failed to marshal share: %w", err)
	}

	member := redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: jsonData,
	}
	if err := c.rdb.ZAdd(ctx, address+"_share", member).Err(); err != nil {
		return fmt.Errorf("failed to record watched share: %w", err)
	}
	return nil
}

// GetWatchedShares returns the share feed entries for an address since the
// given time.
func (c *Client) GetWatchedShares(ctx context.Context, address string, since time.Time) ([]string, error) {
	entries, err := c.rdb.ZRangeByScore(ctx, address+"_share", &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read share feed: %w", err)
	}
	return entries, nil
}

// Ban persistence. The in-memory ban list dies with the process; serious
// offenders are also written here so a restart does not forgive them.

// BanIP persists a ban.
func (c *Client) BanIP(ctx context.Context, ip string, duration time.Duration) error {
	key := fmt.Sprintf("ban:%s", ip)
	if err := c.rdb.Set(ctx, key, time.Now().Unix(), duration).Err(); err != nil {
		return fmt.Errorf("failed to persist ban: %w", err)
	}
	return nil
}

// IsBanned reports whether an IP has a persisted ban.
func (c *Client) IsBanned(ctx context.Context, ip string) (bool, error) {
	key := fmt.Sprintf("ban:%s", ip)
	_, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check ban: %w", err)
	}
	return true, nil
}

// UnbanIP removes a persisted ban.
func (c *Client) UnbanIP(ctx context.Context, ip string) error {
	key := fmt.Sprintf("ban:%s", ip)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to remove ban: %w", err)
	}
	return nil
}

// Hashrate windows.

// RecordShareDiff appends a share difficulty sample for a worker. Samples
// older than the window are trimmed in the same pipeline.
func (c *Client) RecordShareDiff(ctx context.Context, address, worker string, shareDiff float64, window time.Duration) error {
	key := fmt.Sprintf("hashrate:%s.%s", address, worker)
	timestamp := time.Now().Unix()

	member := redis.Z{
		Score:  float64(timestamp),
		Member: fmt.Sprintf("%g:%d", shareDiff, timestamp),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(timestamp-int64(window.Seconds()), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record share diff: %w", err)
	}

	return nil
}

// SumShareDiff sums the share difficulty a worker accumulated inside the
// window. Dividing by the window length and scaling by 2^32 gives hashrate.
func (c *Client) SumShareDiff(ctx context.Context, address, worker string, window time.Duration) (float64, error) {
	key := fmt.Sprintf("hashrate:%s.%s", address, worker)
	minScore := time.Now().Add(-window).Unix()

	values, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read share diffs: %w", err)
	}

	var total float64
	for _, val := range values {
		var diff float64
		var ts int64
		if _, err := fmt.Sscanf(val, "%g:%d", &diff, &ts); err == nil {
			total += diff
		}
	}
	return total, nil
}

// CheckRateLimit counts an action against a windowed limit and reports
// whether it is still allowed.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	pipe := c.rdb.Pipeline()
	incrCmd := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}

	return incrCmd.Val() <= limit, nil
}
