// Package config handles configuration loading and validation for the demurrage tracker.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the tracker
type Config struct {
	Demurrage DemurrageConfig `mapstructure:"demurrage"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Store     StoreConfig     `mapstructure:"store"`
	PoolDB    PoolDBConfig    `mapstructure:"pool_db"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Backfill  BackfillConfig  `mapstructure:"backfill"`
	API       APIConfig       `mapstructure:"api"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	Log       LogConfig       `mapstructure:"log"`
}

// DemurrageConfig describes the wallet being tracked and the classification heuristics
type DemurrageConfig struct {
	WalletAddress             string               `mapstructure:"wallet_address"`
	FeeAddresses              []string             `mapstructure:"fee_addresses"`
	MinDistributionRecipients int                  `mapstructure:"min_distribution_recipients"`
	KnownAmountTolerance      float64              `mapstructure:"known_amount_tolerance"`
	KnownAmounts              []KnownAmountConfig  `mapstructure:"known_amounts"`
	PatternUnit               int64                `mapstructure:"pattern_unit"`
	PatternModulus            int64                `mapstructure:"pattern_modulus"`
	PatternRemainders         []int64              `mapstructure:"pattern_remainders"`
	BlocksPerEpoch            uint64               `mapstructure:"blocks_per_epoch"`
	ReferenceEpoch            int64                `mapstructure:"reference_epoch"`
	ReferenceBlock            uint64               `mapstructure:"reference_block"`
	EpochHistory              int                  `mapstructure:"epoch_history"`
	HashrateTiers             []HashrateTierConfig `mapstructure:"hashrate_tiers"`
	DefaultPoolHashrate       float64              `mapstructure:"default_pool_hashrate"`
	RecentLimit               int                  `mapstructure:"recent_limit"`
}

// KnownAmountConfig is a previously recorded demurrage amount. Height 0 matches any block.
type KnownAmountConfig struct {
	Height    uint64  `mapstructure:"height"`
	Amount    float64 `mapstructure:"amount"`
	Direction string  `mapstructure:"direction"`
}

// HashrateTierConfig is a reference hashrate used for earnings estimates
type HashrateTierConfig struct {
	Name     string  `mapstructure:"name"`
	Hashrate float64 `mapstructure:"hashrate"`
}

// ChainConfig defines upstream chain providers
type ChainConfig struct {
	Primary             string        `mapstructure:"primary"`
	ExplorerURL         string        `mapstructure:"explorer_url"`
	NodeURL             string        `mapstructure:"node_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout"`
	MaxFailures         int           `mapstructure:"max_failures"`
	RecoveryThreshold   int           `mapstructure:"recovery_threshold"`
	AddressCacheSize    int           `mapstructure:"address_cache_size"`
	PageSize            int           `mapstructure:"page_size"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StoreConfig selects the event store backend
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// PoolDBConfig points at the pool database holding hashrate history
type PoolDBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	PoolID  string `mapstructure:"pool_id"`
}

// CacheConfig defines aggregate cache settings
type CacheConfig struct {
	Backend        string        `mapstructure:"backend"`
	LiveTTL        time.Duration `mapstructure:"live_ttl"`
	StatsTTL       time.Duration `mapstructure:"stats_ttl"`
	ComputeTimeout time.Duration `mapstructure:"compute_timeout"`
	StaleRetention time.Duration `mapstructure:"stale_retention"`
	RefreshAhead   float64       `mapstructure:"refresh_ahead"`
	MemorySize     int           `mapstructure:"memory_size"`
	// WarmKinds limits background refresh to these kinds; empty warms all
	WarmKinds      []string      `mapstructure:"warm_kinds"`
}

// BackfillConfig defines the block scanner settings
type BackfillConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Workers           int           `mapstructure:"workers"`
	RPS               int           `mapstructure:"rps"`
	Interval          time.Duration `mapstructure:"interval"`
	MaxBlocksPerCycle uint64        `mapstructure:"max_blocks_per_cycle"`
	Confirmations     uint64        `mapstructure:"confirmations"`
	StartHeight       uint64        `mapstructure:"start_height"`
}

// APIConfig defines API server settings
type APIConfig struct {
	Enabled     bool     `mapstructure:"enabled"`
	Bind        string   `mapstructure:"bind"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// PolicyConfig defines per-IP request policy for the API
type PolicyConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MaxScore       int32         `mapstructure:"max_score"`
	ScoreResetTime time.Duration `mapstructure:"score_reset_time"`
	BanTime        time.Duration `mapstructure:"ban_time"`
	CostRequest    int32         `mapstructure:"cost_request"`
	CostError      int32         `mapstructure:"cost_error"`
	Whitelist      []string      `mapstructure:"whitelist"`
}

// NotifyConfig defines webhook notification settings
type NotifyConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DiscordURL   string  `mapstructure:"discord_url"`
	TelegramBot  string  `mapstructure:"telegram_bot"`
	TelegramChat string  `mapstructure:"telegram_chat"`
	PoolName     string  `mapstructure:"pool_name"`
	PoolURL      string  `mapstructure:"pool_url"`
	MinAmount    float64 `mapstructure:"min_amount"`
}

// NewRelicConfig defines New Relic APM settings
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// ProfilingConfig defines the debug server (pprof and Prometheus metrics)
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
	Pprof   bool   `mapstructure:"pprof"`
	Metrics bool   `mapstructure:"metrics"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/mining-wave")
	}

	// MINING_WAVE_CHAIN_NODE_URL overrides chain.node_url
	v.SetEnvPrefix("MINING_WAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration produced by the built-in defaults alone
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Demurrage defaults
	v.SetDefault("demurrage.wallet_address", "9fE5o7913CKKe6wvNgM11vULjTuKiopPcvCaj7t2zcJWXM2gcLu")
	v.SetDefault("demurrage.fee_addresses", []string{
		"2iHkR7CWvD1R4j1yZg5bkeDRQavjAaVPeTDFGGLZduHyfWMuYpmhHocX8GJoaieTx78FntzJbCBVL6rf96ocJoZdmWBL2fci7NqWgAirppPQmZ7fN9V6z13Ay6brPriBKYqLp1bT2Fk4FkFLCfdPpe",
	})
	v.SetDefault("demurrage.min_distribution_recipients", 2)
	v.SetDefault("demurrage.known_amount_tolerance", 0.0001)
	v.SetDefault("demurrage.known_amounts", []KnownAmountConfig{
		{Height: 1495702, Amount: 4.9863, Direction: "collection"},
		{Height: 1495300, Amount: 0.8888, Direction: "collection"},
		{Height: 1495201, Amount: 0.3963, Direction: "collection"},
		{Height: 1495133, Amount: 1.6798, Direction: "collection"},
		{Height: 1494969, Amount: 1.1863, Direction: "collection"},
		{Height: 1494873, Amount: 1.4038, Direction: "collection"},
		{Height: 1494175, Amount: 1.185, Direction: "collection"},
	})
	v.SetDefault("demurrage.pattern_unit", 100000) // 1e-4 coin in nano units
	v.SetDefault("demurrage.pattern_modulus", 100)
	v.SetDefault("demurrage.pattern_remainders", []int64{25, 75})
	v.SetDefault("demurrage.blocks_per_epoch", 1024)
	v.SetDefault("demurrage.reference_epoch", 1461)
	v.SetDefault("demurrage.reference_block", 1496064)
	v.SetDefault("demurrage.epoch_history", 10)
	v.SetDefault("demurrage.hashrate_tiers", []HashrateTierConfig{
		{Name: "1GHs", Hashrate: 1e9},
		{Name: "5GHs", Hashrate: 5e9},
		{Name: "10GHs", Hashrate: 10e9},
		{Name: "50GHs", Hashrate: 50e9},
	})
	v.SetDefault("demurrage.default_pool_hashrate", 100e9)
	v.SetDefault("demurrage.recent_limit", 50)

	// Chain defaults
	v.SetDefault("chain.primary", "node")
	v.SetDefault("chain.explorer_url", "https://api.ergoplatform.com/api/v1")
	v.SetDefault("chain.node_url", "http://127.0.0.1:9053")
	v.SetDefault("chain.timeout", "10s")
	v.SetDefault("chain.max_retries", 3)
	v.SetDefault("chain.backoff_base", "1s")
	v.SetDefault("chain.backoff_max", "8s")
	v.SetDefault("chain.health_check_interval", "30s")
	v.SetDefault("chain.health_check_timeout", "5s")
	v.SetDefault("chain.max_failures", 3)
	v.SetDefault("chain.recovery_threshold", 2)
	v.SetDefault("chain.address_cache_size", 4096)
	v.SetDefault("chain.page_size", 20)

	// Redis defaults
	v.SetDefault("redis.url", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)

	// Store defaults
	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.path", "./data/demurrage")

	// Pool database defaults
	v.SetDefault("pool_db.enabled", false)
	v.SetDefault("pool_db.driver", "postgres")
	v.SetDefault("pool_db.pool_id", "ErgoSigmanauts")

	// Cache defaults
	v.SetDefault("cache.backend", "redis")
	v.SetDefault("cache.live_ttl", "60s")
	v.SetDefault("cache.stats_ttl", "1800s")
	v.SetDefault("cache.compute_timeout", "90s")
	v.SetDefault("cache.stale_retention", "24h")
	v.SetDefault("cache.refresh_ahead", 0.8)
	v.SetDefault("cache.memory_size", 1024)
	v.SetDefault("cache.warm_kinds", []string{"stats", "wallet", "epochs", "blocks", "debug"})

	// Backfill defaults
	v.SetDefault("backfill.enabled", true)
	v.SetDefault("backfill.workers", 4)
	v.SetDefault("backfill.rps", 5)
	v.SetDefault("backfill.interval", "60s")
	v.SetDefault("backfill.max_blocks_per_cycle", 10)
	v.SetDefault("backfill.confirmations", 10)
	v.SetDefault("backfill.start_height", 1494000)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8000")
	v.SetDefault("api.cors_origins", []string{"*"})

	// Policy defaults
	v.SetDefault("policy.enabled", true)
	v.SetDefault("policy.max_score", 600)
	v.SetDefault("policy.score_reset_time", "1m")
	v.SetDefault("policy.ban_time", "5m")
	v.SetDefault("policy.cost_request", 1)
	v.SetDefault("policy.cost_error", 10)
	v.SetDefault("policy.whitelist", []string{"127.0.0.1"})

	// Notify defaults
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.pool_name", "Sigmanauts Mining Pool")
	v.SetDefault("notify.min_amount", 0.0)

	// New Relic defaults
	v.SetDefault("newrelic.enabled", false)
	v.SetDefault("newrelic.app_name", "mining-wave")

	// Profiling defaults
	v.SetDefault("profiling.enabled", true)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")
	v.SetDefault("profiling.pprof", false)
	v.SetDefault("profiling.metrics", true)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Demurrage.WalletAddress == "" {
		return fmt.Errorf("demurrage.wallet_address is required")
	}

	if c.Demurrage.BlocksPerEpoch == 0 {
		return fmt.Errorf("demurrage.blocks_per_epoch must be > 0")
	}

	if c.Demurrage.PatternUnit <= 0 || c.Demurrage.PatternModulus <= 0 {
		return fmt.Errorf("demurrage.pattern_unit and pattern_modulus must be positive")
	}

	for _, k := range c.Demurrage.KnownAmounts {
		if k.Direction != "collection" && k.Direction != "distribution" {
			return fmt.Errorf("demurrage.known_amounts: invalid direction %q", k.Direction)
		}
	}

	if c.Chain.ExplorerURL == "" && c.Chain.NodeURL == "" {
		return fmt.Errorf("chain.explorer_url or chain.node_url is required")
	}

	if c.Chain.Primary != "node" && c.Chain.Primary != "explorer" {
		return fmt.Errorf("chain.primary must be node or explorer")
	}

	if c.Store.Backend != "redis" && c.Store.Backend != "leveldb" {
		return fmt.Errorf("store.backend must be redis or leveldb")
	}

	if c.Store.Backend == "leveldb" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the leveldb backend")
	}

	if c.PoolDB.Enabled {
		if c.PoolDB.DSN == "" {
			return fmt.Errorf("pool_db.dsn is required when pool_db is enabled")
		}
		if c.PoolDB.Driver != "postgres" && c.PoolDB.Driver != "mysql" {
			return fmt.Errorf("pool_db.driver must be postgres or mysql")
		}
	}

	if c.Cache.Backend != "redis" && c.Cache.Backend != "memory" {
		return fmt.Errorf("cache.backend must be redis or memory")
	}

	if c.Cache.LiveTTL <= 0 || c.Cache.StatsTTL <= 0 {
		return fmt.Errorf("cache ttls must be positive")
	}

	// A computation fans out into many upstream calls, each bounded by chain.timeout.
	if c.Cache.ComputeTimeout <= c.Chain.Timeout*time.Duration(c.Chain.MaxRetries+1) {
		return fmt.Errorf("cache.compute_timeout must exceed chain.timeout * (max_retries+1)")
	}

	if c.Backfill.Workers <= 0 {
		return fmt.Errorf("backfill.workers must be > 0")
	}

	if c.Backfill.RPS <= 0 {
		return fmt.Errorf("backfill.rps must be > 0")
	}

	return nil
}

// UsesRedis reports whether any configured component needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.Store.Backend == "redis" || c.Cache.Backend == "redis"
}
