package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"candleflow/models"
)

type Config struct {
	Candleflow  CandleflowConfig  `yaml:"candleflow"`
	Collection  CollectionConfig  `yaml:"collection"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Adapters    AdaptersConfig    `yaml:"adapters"`
	Health      HealthConfig      `yaml:"health"`
	Breaker     BreakerConfig     `yaml:"circuit_breaker"`
	Retry       RetryConfig       `yaml:"retry"`
	Gaps        GapsConfig        `yaml:"gaps"`
	Validator   ValidatorConfig   `yaml:"validator"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Streams     StreamsConfig     `yaml:"streams"`
	Storage     StorageConfig     `yaml:"storage"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type CandleflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// AdapterConfig returns the per-venue section by adapter name.
func (c *Config) AdapterConfig(name string) AdapterConfig {
	switch name {
	case "binance":
		return c.Adapters.Binance
	case "bybit":
		return c.Adapters.Bybit
	case "kucoin":
		return c.Adapters.Kucoin
	case "okx":
		return c.Adapters.Okx
	}
	return AdapterConfig{}
}

type CollectionConfig struct {
	Symbols  []string  `yaml:"symbols"`
	Interval string    `yaml:"interval"`
	Start    time.Time `yaml:"start"`

	// parsed form of Interval, filled by LoadConfig
	ParsedInterval models.Interval `yaml:"-"`
}

type CoordinatorConfig struct {
	LivePeriod    time.Duration `yaml:"live_period"`
	MaxWorkers    int           `yaml:"max_workers"`
	QueueSize     int           `yaml:"queue_size"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

type AdaptersConfig struct {
	Binance AdapterConfig `yaml:"binance"`
	Bybit   AdapterConfig `yaml:"bybit"`
	Kucoin  AdapterConfig `yaml:"kucoin"`
	Okx     AdapterConfig `yaml:"okx"`
}

type AdapterConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	URL            string               `yaml:"url"`
	APIKey         string               `yaml:"api_key"`
	APISecret      string               `yaml:"api_secret"`
	QuotaPerWindow int                  `yaml:"quota_per_window"`
	MaxWait        time.Duration        `yaml:"max_wait"`
	BatchLimit     int                  `yaml:"batch_limit"`
	SmoothingRPS   int                  `yaml:"smoothing_rps"`
	Burst          int                  `yaml:"burst"`
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type HealthConfig struct {
	DecayHalfLife      time.Duration `yaml:"decay_half_life"`
	HealthySuccessRate float64       `yaml:"healthy_success_rate"`
	DegradeAfter       int           `yaml:"degrade_after"`
	SuspendAfter       int           `yaml:"suspend_after"`
	SuspensionCooldown time.Duration `yaml:"suspension_cooldown"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	JitterFraction float64       `yaml:"jitter_fraction"`
}

type GapsConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	MaxChunkSpan time.Duration `yaml:"max_chunk_span"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

type ValidatorConfig struct {
	DuplicateTolerance float64 `yaml:"duplicate_tolerance"`
}

type ChannelsConfig struct {
	BatchBuffer       int `yaml:"batch_buffer"`
	LiquidationBuffer int `yaml:"liquidation_buffer"`
	DepthBuffer       int `yaml:"depth_buffer"`
}

type StreamsConfig struct {
	Liquidations LiquidationStreamConfig `yaml:"liquidations"`
	Depth        DepthStreamConfig       `yaml:"depth"`
}

type LiquidationStreamConfig struct {
	Enabled bool     `yaml:"enabled"`
	URL     string   `yaml:"url"`
	Symbols []string `yaml:"symbols"`
}

type DepthStreamConfig struct {
	Enabled    bool     `yaml:"enabled"`
	URL        string   `yaml:"url"`
	Limit      int      `yaml:"limit"`
	IntervalMs int      `yaml:"interval_ms"`
	Symbols    []string `yaml:"symbols"`
}

type StorageConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Archive  ArchiveConfig  `yaml:"archive"`
}

type PostgresConfig struct {
	Enabled  bool   `yaml:"enabled"`
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	S3            S3Config      `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	applyDefaults(&config)
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials always come from the environment when present so the
	// yaml file can be committed without secrets.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Storage.Postgres.DSN = strings.TrimSpace(v)
	}
	if config.Storage.Archive.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.Archive.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.Archive.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.Archive.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.Archive.S3.Bucket = strings.TrimSpace(v)
		}
	}

	interval, err := models.ParseInterval(config.Collection.Interval)
	if err != nil {
		return nil, fmt.Errorf("collection.interval: %w", err)
	}
	config.Collection.ParsedInterval = interval

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	// Production-like deployments must not fall back to the in-memory
	// store; a restart would silently drop everything collected.
	if env := AppEnvironment(); IsProductionLike(env) && !config.Storage.Postgres.Enabled {
		return nil, fmt.Errorf("storage.postgres must be enabled in the %s environment", env)
	}

	return &config, nil
}

// applyDefaults seeds every tunable with its documented default before the
// yaml file is applied on top.
func applyDefaults(cfg *Config) {
	cfg.Collection.Interval = "1h"
	cfg.Coordinator = CoordinatorConfig{
		LivePeriod:    time.Hour,
		MaxWorkers:    10,
		QueueSize:     1024,
		ShutdownGrace: 30 * time.Second,
	}
	cfg.Health = HealthConfig{
		DecayHalfLife:      15 * time.Minute,
		HealthySuccessRate: 0.95,
		DegradeAfter:       3,
		SuspendAfter:       5,
		SuspensionCooldown: 2 * time.Minute,
	}
	cfg.Breaker = BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
	cfg.Retry = RetryConfig{
		MaxAttempts:    5,
		BaseDelay:      time.Second,
		MaxDelay:       5 * time.Minute,
		JitterFraction: 0.1,
	}
	cfg.Gaps = GapsConfig{
		ScanInterval: 15 * time.Minute,
		MaxChunkSpan: 24 * time.Hour,
		MaxAttempts:  5,
	}
	cfg.Validator = ValidatorConfig{DuplicateTolerance: 0.0001}
	cfg.Channels = ChannelsConfig{
		BatchBuffer:       256,
		LiquidationBuffer: 1024,
		DepthBuffer:       256,
	}
	cfg.Storage.Archive.FlushInterval = time.Minute
	cfg.Logging = LoggingConfig{Level: "info", Format: "json", Output: "stdout"}

	for _, a := range []*AdapterConfig{
		&cfg.Adapters.Binance, &cfg.Adapters.Bybit, &cfg.Adapters.Kucoin, &cfg.Adapters.Okx,
	} {
		a.QuotaPerWindow = 60
		a.MaxWait = 30 * time.Second
		a.BatchLimit = 500
		a.SmoothingRPS = 5
		a.Burst = 1
		a.Timeout = 15 * time.Second
		a.ConnectionPool = ConnectionPoolConfig{
			MaxIdleConns:    16,
			MaxConnsPerHost: 16,
			IdleConnTimeout: 90 * time.Second,
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Candleflow.Name == "" {
		return fmt.Errorf("candleflow.name is required")
	}
	if cfg.Candleflow.Version == "" {
		return fmt.Errorf("candleflow.version is required")
	}
	if len(cfg.Collection.Symbols) == 0 {
		return fmt.Errorf("collection.symbols must not be empty")
	}
	if cfg.Collection.Start.IsZero() {
		return fmt.Errorf("collection.start is required")
	}
	if cfg.Collection.Start.After(time.Now()) {
		return fmt.Errorf("collection.start must be in the past")
	}
	if cfg.Coordinator.MaxWorkers <= 0 {
		return fmt.Errorf("coordinator.max_workers must be greater than 0")
	}
	if cfg.Coordinator.LivePeriod <= 0 {
		return fmt.Errorf("coordinator.live_period must be greater than 0")
	}
	if cfg.Coordinator.ShutdownGrace <= 0 {
		return fmt.Errorf("coordinator.shutdown_grace must be greater than 0")
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be greater than 0")
	}
	if cfg.Breaker.Cooldown <= 0 || cfg.Breaker.MaxCooldown < cfg.Breaker.Cooldown {
		return fmt.Errorf("circuit_breaker cooldowns are invalid")
	}
	if cfg.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be greater than 0")
	}
	if cfg.Retry.BaseDelay <= 0 || cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		return fmt.Errorf("retry delays are invalid")
	}
	if cfg.Retry.JitterFraction < 0 || cfg.Retry.JitterFraction >= 1 {
		return fmt.Errorf("retry.jitter_fraction must be in [0, 1)")
	}
	if cfg.Gaps.MaxChunkSpan < cfg.Collection.ParsedInterval.Duration() {
		return fmt.Errorf("gaps.max_chunk_span must cover at least one interval")
	}
	if cfg.Validator.DuplicateTolerance < 0 {
		return fmt.Errorf("validator.duplicate_tolerance must not be negative")
	}

	enabled := 0
	for _, a := range []AdapterConfig{
		cfg.Adapters.Binance, cfg.Adapters.Bybit, cfg.Adapters.Kucoin, cfg.Adapters.Okx,
	} {
		if !a.Enabled {
			continue
		}
		enabled++
		if a.QuotaPerWindow <= 0 {
			return fmt.Errorf("adapter quota_per_window must be greater than 0")
		}
	}
	if enabled == 0 {
		return fmt.Errorf("at least one adapter must be enabled")
	}

	if cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required when postgres is enabled")
	}
	if cfg.Storage.Archive.Enabled && cfg.Storage.Archive.Dir == "" {
		return fmt.Errorf("storage.archive.dir is required when the archive is enabled")
	}
	if cfg.Storage.Archive.S3.Enabled {
		s3 := cfg.Storage.Archive.S3
		if s3.Bucket == "" {
			return fmt.Errorf("storage.archive.s3.bucket is required when S3 upload is enabled")
		}
		if s3.Region == "" {
			return fmt.Errorf("storage.archive.s3.region is required when S3 upload is enabled")
		}
		if !isValidS3Bucket(s3.Bucket) {
			return fmt.Errorf("storage.archive.s3.bucket '%s' is invalid", s3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
