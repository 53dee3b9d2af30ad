package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/kode4food/timebox"

	"github.com/gantryio/gantry/pkg/api"
)

type (
	// Config holds configuration settings for the engine
	Config struct {
		// API Server
		APIHost  string
		APIPort  int
		LogLevel string

		// Stores
		RegistryStore  timebox.StoreConfig
		ExecutionStore timebox.StoreConfig

		// Step execution & retry defaults
		Retry       api.RetryPolicy
		StepTimeout api.Seconds

		// Agent dispatch
		AgentBaseURL string

		// Step outputs
		OutputBucketURL string
		OutputInlineMax int

		// Recovery sweep
		RecoveryStalledAge    time.Duration
		RecoveryHardCutoff    time.Duration
		RecoverySweepInterval time.Duration

		// Engine
		CacheSize       int
		ShutdownTimeout time.Duration
	}
)

const (
	DefaultStepTimeout     api.Seconds = 300
	DefaultShutdownTimeout             = 10 * time.Second

	DefaultAPIPort = 8080
	DefaultAPIHost = "0.0.0.0"
	MaxTCPPort     = 65535
	DefaultRedisDB = 0

	DefaultRedisEndpoint       = "localhost:6379"
	DefaultRedisPrefix         = "gantry"
	DefaultSnapshotWorkers     = 4
	DefaultSnapshotQueueSize   = 1000
	DefaultSnapshotSaveTimeout = 30 * time.Second
	DefaultCacheSize           = 4096

	DefaultRetryMaxAttempts = 3
	DefaultRetryBackoffMs   = 1000
	DefaultRetryMaxBackoff  = 60000
	DefaultRetryBackoffType = api.BackoffTypeExponential

	DefaultAgentBaseURL    = "http://localhost:9090"
	DefaultOutputInlineMax = 16 * 1024

	DefaultRecoveryStalledAge    = 10 * time.Minute
	DefaultRecoveryHardCutoff    = 15 * time.Minute
	DefaultRecoverySweepInterval = time.Minute

	MaxCacheSize       = 1_000_000
	MaxRetryAttempts   = 1000
	MaxStepTimeout     = api.Seconds(365 * 24 * 60 * 60)
	MaxRetryBackoff    = int64(24 * 60 * 60 * 1000) // 1 day in ms
	MaxOutputInlineMax = 16 * 1024 * 1024
)

var (
	ErrInvalidAPIPort     = errors.New("invalid API port")
	ErrInvalidStepTimeout = errors.New("step timeout must be positive")
	ErrInvalidMaxAttempts = errors.New(
		"retry max attempts cannot be zero",
	)
	ErrInvalidBackoff = errors.New(
		"retry backoff must be positive",
	)
	ErrMaxBackoffTooSmall = errors.New(
		"retry max backoff must be >= retry backoff",
	)
	ErrInvalidBackoffType = errors.New("invalid retry backoff type")
	ErrInvalidRecovery    = errors.New(
		"recovery hard cutoff must be >= stalled age",
	)
)

// NewDefaultConfig creates a configuration with sensible defaults for all
// engine settings, stores, and retry behavior
func NewDefaultConfig() *Config {
	return &Config{
		APIPort: DefaultAPIPort,
		APIHost: DefaultAPIHost,
		RegistryStore: timebox.StoreConfig{
			Addr:         DefaultRedisEndpoint,
			Password:     "",
			DB:           DefaultRedisDB,
			Prefix:       DefaultRedisPrefix,
			WorkerCount:  DefaultSnapshotWorkers,
			MaxQueueSize: DefaultSnapshotQueueSize,
			SaveTimeout:  DefaultSnapshotSaveTimeout,
		},
		ExecutionStore: timebox.StoreConfig{
			Addr:         DefaultRedisEndpoint,
			Password:     "",
			DB:           DefaultRedisDB,
			Prefix:       DefaultRedisPrefix,
			WorkerCount:  DefaultSnapshotWorkers,
			MaxQueueSize: DefaultSnapshotQueueSize,
			SaveTimeout:  DefaultSnapshotSaveTimeout,
		},
		Retry: api.RetryPolicy{
			MaxAttempts:  DefaultRetryMaxAttempts,
			BackoffMs:    DefaultRetryBackoffMs,
			MaxBackoffMs: DefaultRetryMaxBackoff,
			BackoffType:  DefaultRetryBackoffType,
		},
		StepTimeout:           DefaultStepTimeout,
		AgentBaseURL:          DefaultAgentBaseURL,
		OutputInlineMax:       DefaultOutputInlineMax,
		RecoveryStalledAge:    DefaultRecoveryStalledAge,
		RecoveryHardCutoff:    DefaultRecoveryHardCutoff,
		RecoverySweepInterval: DefaultRecoverySweepInterval,
		CacheSize:             DefaultCacheSize,
		ShutdownTimeout:       DefaultShutdownTimeout,
		LogLevel:              "info",
	}
}

// LoadFromEnv populates configuration values from environment variables.
// Returns an error if any env var cannot be parsed.
func (c *Config) LoadFromEnv() error {
	LoadStoreConfigFromEnv(&c.RegistryStore, "REGISTRY")
	LoadStoreConfigFromEnv(&c.ExecutionStore, "EXECUTION")

	if apiHost := os.Getenv("API_HOST"); apiHost != "" {
		c.APIHost = apiHost
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.LogLevel = logLevel
	}
	if agentURL := os.Getenv("AGENT_BASE_URL"); agentURL != "" {
		c.AgentBaseURL = agentURL
	}
	if bucketURL := os.Getenv("OUTPUT_BUCKET_URL"); bucketURL != "" {
		c.OutputBucketURL = bucketURL
	}
	if backoffType := os.Getenv("RETRY_BACKOFF_TYPE"); backoffType != "" {
		c.Retry.BackoffType = backoffType
	}

	if err := loadEnvInt("API_PORT", &c.APIPort, 0, MaxTCPPort); err != nil {
		return err
	}
	if err := loadEnvInt(
		"CACHE_SIZE", &c.CacheSize, 0, MaxCacheSize,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"STEP_TIMEOUT", &c.StepTimeout, 0, MaxStepTimeout,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"OUTPUT_INLINE_MAX", &c.OutputInlineMax, 0, MaxOutputInlineMax,
	); err != nil {
		return err
	}

	if err := loadEnvInt(
		"RETRY_MAX_ATTEMPTS", &c.Retry.MaxAttempts, 0, MaxRetryAttempts,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"RETRY_BACKOFF_MS", &c.Retry.BackoffMs, 0, MaxRetryBackoff,
	); err != nil {
		return err
	}
	if err := loadEnvInt(
		"RETRY_MAX_BACKOFF_MS", &c.Retry.MaxBackoffMs, 0, MaxRetryBackoff,
	); err != nil {
		return err
	}

	if err := loadEnvDuration(
		"RECOVERY_STALLED_AGE", &c.RecoveryStalledAge,
	); err != nil {
		return err
	}
	if err := loadEnvDuration(
		"RECOVERY_HARD_CUTOFF", &c.RecoveryHardCutoff,
	); err != nil {
		return err
	}
	if err := loadEnvDuration(
		"RECOVERY_SWEEP_INTERVAL", &c.RecoverySweepInterval,
	); err != nil {
		return err
	}

	return nil
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.APIPort <= 0 || c.APIPort > MaxTCPPort {
		return fmt.Errorf("%w: %d", ErrInvalidAPIPort, c.APIPort)
	}

	if c.StepTimeout <= 0 {
		return ErrInvalidStepTimeout
	}

	if c.Retry.MaxAttempts == 0 {
		return ErrInvalidMaxAttempts
	}

	if c.Retry.BackoffMs <= 0 || c.Retry.MaxBackoffMs <= 0 {
		return ErrInvalidBackoff
	}

	if c.Retry.MaxBackoffMs < c.Retry.BackoffMs {
		return ErrMaxBackoffTooSmall
	}

	if c.Retry.BackoffType != api.BackoffTypeFixed &&
		c.Retry.BackoffType != api.BackoffTypeExponential {
		return fmt.Errorf("%w: %s",
			ErrInvalidBackoffType, c.Retry.BackoffType)
	}

	if c.RecoveryHardCutoff < c.RecoveryStalledAge {
		return ErrInvalidRecovery
	}

	return nil
}

// LoadStoreConfigFromEnv loads Redis store configuration from environment
// variables with the given prefix (e.g., "REGISTRY" or "EXECUTION")
func LoadStoreConfigFromEnv(s *timebox.StoreConfig, prefix string) {
	if addr := os.Getenv(prefix + "_REDIS_ADDR"); addr != "" {
		s.Addr = addr
	}
	if password := os.Getenv(prefix + "_REDIS_PASSWORD"); password != "" {
		s.Password = password
	}
	if dbStr := os.Getenv(prefix + "_REDIS_DB"); dbStr != "" {
		if db, err := strconv.Atoi(dbStr); err == nil {
			s.DB = db
		}
	}
	if envPrefix := os.Getenv(prefix + "_REDIS_PREFIX"); envPrefix != "" {
		s.Prefix = envPrefix
	}
	if envCount := os.Getenv(prefix + "_SNAPSHOT_WORKERS"); envCount != "" {
		if wc, err := strconv.Atoi(envCount); err == nil && wc >= 0 {
			s.WorkerCount = wc
		}
	}
}

// loadEnvInt reads key from the environment, parses it as an integer, and
// sets *dst if the value is in the range (min, max). Returns an error if
// the value cannot be parsed or falls outside the valid range.
func loadEnvInt[T ~int | ~int64](key string, dst *T, min, max T) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	tv := T(v)
	if tv <= min || tv > max {
		return fmt.Errorf("invalid %s: %d out of range [%d, %d]",
			key, tv, min+1, max)
	}
	*dst = tv
	return nil
}

// loadEnvDuration reads key from the environment and parses it with
// time.ParseDuration. Zero and negative durations are rejected.
func loadEnvDuration(key string, dst *time.Duration) error {
	s := os.Getenv(key)
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid %s: %q", key, s)
	}
	*dst = d
	return nil
}
