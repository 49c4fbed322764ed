// Package config loads the pool's configuration. Service-level settings
// (logging, storage, messaging) come from environment variables; the pool
// definition itself (coin, ports, rewards, banning) lives in a TOML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml"
)

// Config holds service-level configuration from the environment.
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Pool definition file
	PoolConfigPath string

	// Kafka configuration
	KafkaBrokers []string

	// Database connections
	PostgresHost     string
	PostgresPort     int
	PostgresDatabase string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads service configuration from environment variables with
// sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "gusp"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		PoolConfigPath: getEnv("POOL_CONFIG", "pool.toml"),

		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvInt("POSTGRES_PORT", 5432),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", "gusp"),
		PostgresUser:     getEnv("POSTGRES_USER", "gusp"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "gusp"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		InfluxURL:        getEnv("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:      getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:        getEnv("INFLUX_ORG", "gusp"),
		InfluxBucket:     getEnv("INFLUX_BUCKET", "mining"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	return cfg, nil
}

// PoolConfig is the pool definition loaded from TOML.
type PoolConfig struct {
	// Address is the pool's payout address for the coinbase output.
	Address string `toml:"address"`

	Coin    CoinConfig        `toml:"coin"`
	Daemon  DaemonConfig      `toml:"daemon"`
	Ports   []PortConfig      `toml:"ports"`
	Banning BanningConfig     `toml:"banning"`
	Rewards []RewardRecipient `toml:"rewards"`

	// CoinbaseTag is embedded in the coinbase signature script.
	CoinbaseTag string `toml:"coinbase_tag"`
	// CoinbaseComment is appended as a transaction message when the coin
	// supports them.
	CoinbaseComment string `toml:"coinbase_comment"`

	// EmitInvalidBlockHashes includes would-be block hashes on shares
	// that missed the network target.
	EmitInvalidBlockHashes bool `toml:"emit_invalid_block_hashes"`

	BlockRefreshSeconds      int `toml:"block_refresh_seconds"`
	JobRebroadcastSeconds    int `toml:"job_rebroadcast_seconds"`
	ConnectionTimeoutSeconds int `toml:"connection_timeout_seconds"`
}

// CoinConfig describes the coin being mined.
type CoinConfig struct {
	Name      string `toml:"name"`
	Symbol    string `toml:"symbol"`
	Algorithm string `toml:"algorithm"`
	// Reward is "POW" or "POS".
	Reward     string `toml:"reward"`
	TxMessages bool   `toml:"tx_messages"`
}

// DaemonConfig holds coin daemon connection settings.
type DaemonConfig struct {
	Host        string `toml:"host"`
	Port        int    `toml:"port"`
	User        string `toml:"user"`
	Password    string `toml:"password"`
	ZMQEndpoint string `toml:"zmq_endpoint"`
}

// PortConfig is one stratum listening port.
type PortConfig struct {
	Port       int     `toml:"port"`
	Difficulty float64 `toml:"difficulty"`
}

// BanningConfig controls share-quality IP banning.
type BanningConfig struct {
	Enabled        bool    `toml:"enabled"`
	TimeSeconds    int     `toml:"time_seconds"`
	InvalidPercent float64 `toml:"invalid_percent"`
	CheckThreshold int64   `toml:"check_threshold"`
	PurgeSeconds   int     `toml:"purge_seconds"`
}

// RewardRecipient is an extra coinbase output, typically the pool fee. A
// 40-character hex address is treated as a raw public key hash.
type RewardRecipient struct {
	Address string  `toml:"address"`
	Percent float64 `toml:"percent"`
}

// LoadPool reads and validates a pool definition file.
func LoadPool(path string) (*PoolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pool config: %w", err)
	}

	cfg := &PoolConfig{
		CoinbaseTag:              "/gusp/",
		BlockRefreshSeconds:      1,
		JobRebroadcastSeconds:    55,
		ConnectionTimeoutSeconds: 600,
		Banning: BanningConfig{
			Enabled:        true,
			TimeSeconds:    600,
			InvalidPercent: 50,
			CheckThreshold: 500,
			PurgeSeconds:   300,
		},
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("pool config validation failed: %w", err)
	}

	return cfg, nil
}

func (c *PoolConfig) validate() error {
	if c.Address == "" {
		return fmt.Errorf("pool address must be set")
	}
	if len(c.Ports) == 0 {
		return fmt.Errorf("at least one stratum port must be configured")
	}
	for _, p := range c.Ports {
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("port %d out of range", p.Port)
		}
	}

	switch c.Coin.Reward {
	case "", "POW", "POS":
	default:
		return fmt.Errorf("coin reward must be POW or POS, got %q", c.Coin.Reward)
	}

	var totalPercent float64
	for _, r := range c.Rewards {
		if r.Address == "" {
			return fmt.Errorf("reward recipient without an address")
		}
		if r.Percent <= 0 {
			return fmt.Errorf("reward percent for %s must be positive", r.Address)
		}
		totalPercent += r.Percent
	}
	if totalPercent >= 100 {
		return fmt.Errorf("reward recipients claim %.1f%% of the block", totalPercent)
	}

	if c.Banning.Enabled && c.Banning.CheckThreshold <= 0 {
		return fmt.Errorf("banning check threshold must be positive")
	}

	return nil
}

// BlockRefreshInterval returns the template polling interval.
func (c *PoolConfig) BlockRefreshInterval() time.Duration {
	return time.Duration(c.BlockRefreshSeconds) * time.Second
}

// JobRebroadcastTimeout returns how long to wait before re-pushing the
// current job to idle miners.
func (c *PoolConfig) JobRebroadcastTimeout() time.Duration {
	return time.Duration(c.JobRebroadcastSeconds) * time.Second
}

// ConnectionTimeout returns the miner inactivity limit.
func (c *PoolConfig) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSeconds) * time.Second
}

// BanTime returns how long a ban lasts.
func (c *BanningConfig) BanTime() time.Duration {
	return time.Duration(c.TimeSeconds) * time.Second
}

// PurgeInterval returns how often expired bans are swept.
func (c *BanningConfig) PurgeInterval() time.Duration {
	return time.Duration(c.PurgeSeconds) * time.Second
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}
