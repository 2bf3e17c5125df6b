// Package config loads hub configuration from the environment with optional
// .env convenience. Priority: ENV vars > .env file > defaults.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ubridge-dev/ubridge/internal/types"
)

// Config holds all hub configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr                 string        `env:"UB_ADDR" envDefault:":8320"`
	Environment          string        `env:"UB_ENVIRONMENT" envDefault:"development"`
	ShutdownTimeout      time.Duration `env:"UB_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	ComponentStopTimeout time.Duration `env:"UB_COMPONENT_STOP_TIMEOUT" envDefault:"10s"`

	// Connection admission
	MaxTotalConnections     int      `env:"UB_MAX_TOTAL_CONNECTIONS" envDefault:"1000"`
	MaxConnectionsPerIP     int      `env:"UB_MAX_CONNECTIONS_PER_IP" envDefault:"10"`
	MaxConnectionsPerServer int      `env:"UB_MAX_CONNECTIONS_PER_SERVER" envDefault:"3"`
	IPWhitelist             []string `env:"UB_IP_WHITELIST" envSeparator:","`
	ConnectionRate          float64  `env:"UB_CONNECTION_RATE" envDefault:"50"`
	ConnectionBurst         int      `env:"UB_CONNECTION_BURST" envDefault:"100"`
	ConnectionRatePerIP     float64  `env:"UB_CONNECTION_RATE_PER_IP" envDefault:"5"`
	ConnectionBurstPerIP    int      `env:"UB_CONNECTION_BURST_PER_IP" envDefault:"10"`

	// Authentication backoff
	AuthBaseDelay          time.Duration `env:"UB_AUTH_BASE_DELAY" envDefault:"1s"`
	AuthMaxDelay           time.Duration `env:"UB_AUTH_MAX_DELAY" envDefault:"60s"`
	AuthBackoffMultiplier  float64       `env:"UB_AUTH_BACKOFF_MULTIPLIER" envDefault:"2.0"`
	AuthResetWindow        time.Duration `env:"UB_AUTH_RESET_WINDOW" envDefault:"5m"`
	MaxFailuresBeforeBlock int           `env:"UB_MAX_FAILURES_BEFORE_BLOCK" envDefault:"5"`
	BlockDuration          time.Duration `env:"UB_BLOCK_DURATION" envDefault:"30m"`
	AlertCooldown          time.Duration `env:"UB_ALERT_COOLDOWN" envDefault:"5m"`

	// Retry engine
	MaxRetryAttempts  int           `env:"UB_MAX_RETRY_ATTEMPTS" envDefault:"3"`
	BaseRetryInterval time.Duration `env:"UB_BASE_RETRY_INTERVAL" envDefault:"100ms"`
	MaxRetryInterval  time.Duration `env:"UB_MAX_RETRY_INTERVAL" envDefault:"30s"`
	BackoffMultiplier float64       `env:"UB_BACKOFF_MULTIPLIER" envDefault:"2.0"`
	JitterEnabled     bool          `env:"UB_JITTER_ENABLED" envDefault:"true"`

	// Connection quality scoring
	QualityThreshold     float64       `env:"UB_QUALITY_THRESHOLD" envDefault:"50"`
	FailureRateThreshold float64       `env:"UB_FAILURE_RATE_THRESHOLD" envDefault:"0.5"`
	LatencyThreshold     time.Duration `env:"UB_LATENCY_THRESHOLD" envDefault:"1s"`

	// Failover
	EnableFailover      bool          `env:"UB_ENABLE_FAILOVER" envDefault:"true"`
	FailoverModes       []string      `env:"UB_FAILOVER_MODES" envSeparator:"," envDefault:"rcon,terminal"`
	FailoverDelay       time.Duration `env:"UB_FAILOVER_DELAY" envDefault:"0s"`
	HealthProbeInterval time.Duration `env:"UB_HEALTH_PROBE_INTERVAL" envDefault:"30s"`

	// Graceful degradation
	MaxCachedOperations        int           `env:"UB_MAX_CACHED_OPERATIONS" envDefault:"100"`
	CacheExpirationTime        time.Duration `env:"UB_CACHE_EXPIRATION_TIME" envDefault:"1h"`
	ConflictResolutionStrategy string        `env:"UB_CONFLICT_RESOLUTION_STRATEGY" envDefault:"server_wins"`
	EnableGracefulDegradation  bool          `env:"UB_ENABLE_GRACEFUL_DEGRADATION" envDefault:"true"`
	MaxPermissionRetries       int           `env:"UB_MAX_PERMISSION_RETRIES" envDefault:"3"`

	// Cache layer
	CacheMaxBytes       int64         `env:"UB_CACHE_MAX_BYTES" envDefault:"67108864"` // 64MB
	CacheDefaultTTL     time.Duration `env:"UB_CACHE_DEFAULT_TTL" envDefault:"5m"`
	CacheEvictionPolicy string        `env:"UB_CACHE_EVICTION_POLICY" envDefault:"lru"`
	CacheCompression    bool          `env:"UB_CACHE_COMPRESSION" envDefault:"true"`
	CacheSweepInterval  time.Duration `env:"UB_CACHE_SWEEP_INTERVAL" envDefault:"1m"`
	PreloadEnabled      bool          `env:"UB_PRELOAD_ENABLED" envDefault:"false"`
	PreloadInterval     time.Duration `env:"UB_PRELOAD_INTERVAL" envDefault:"10m"`

	// Protocol timing
	HeartbeatInterval time.Duration `env:"UB_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"UB_HEARTBEAT_TIMEOUT" envDefault:"90s"`
	RequestTimeout    time.Duration `env:"UB_REQUEST_TIMEOUT" envDefault:"5s"`
	MaxFrameSize      int           `env:"UB_MAX_FRAME_SIZE" envDefault:"1048576"` // 1MB

	// Event bus
	EventQueueSize            int           `env:"UB_EVENT_QUEUE_SIZE" envDefault:"256"`
	FloodThreshold            int           `env:"UB_FLOOD_THRESHOLD" envDefault:"100"`
	SubscriptionTTL           time.Duration `env:"UB_SUBSCRIPTION_TTL" envDefault:"30m"`
	SubscriptionSweepInterval time.Duration `env:"UB_SUBSCRIPTION_SWEEP_INTERVAL" envDefault:"5m"`

	// Message router
	BridgeErrorRateThreshold float64 `env:"UB_BRIDGE_ERROR_RATE_THRESHOLD" envDefault:"0.10"`

	// Persistence
	StoreBackend string `env:"UB_STORE_BACKEND" envDefault:"badger"`
	DataDir      string `env:"UB_DATA_DIR" envDefault:"./data"`

	// Audit
	AuditRetention    time.Duration `env:"UB_AUDIT_RETENTION" envDefault:"720h"` // 30 days
	AuditKafkaBrokers string        `env:"UB_AUDIT_KAFKA_BROKERS"`
	AuditKafkaTopic   string        `env:"UB_AUDIT_KAFKA_TOPIC" envDefault:"ubridge.audit"`

	// Chat platform
	NATSUrl           string `env:"UB_NATS_URL"`
	NATSSubjectPrefix string `env:"UB_NATS_SUBJECT_PREFIX" envDefault:"ubridge.chat"`

	// Connector credentials
	JWTSecret string        `env:"UB_JWT_SECRET"`
	TokenTTL  time.Duration `env:"UB_TOKEN_TTL" envDefault:"720h"`

	// Alerting
	AlertWebhookURL string `env:"UB_ALERT_WEBHOOK_URL"`

	// Logging
	LogLevel  string `env:"UB_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"UB_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; absence is fine
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("UB_ADDR is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("UB_JWT_SECRET is required")
	}

	// Range checks
	if c.MaxTotalConnections < 1 {
		return fmt.Errorf("UB_MAX_TOTAL_CONNECTIONS must be > 0, got %d", c.MaxTotalConnections)
	}
	if c.MaxConnectionsPerIP < 1 {
		return fmt.Errorf("UB_MAX_CONNECTIONS_PER_IP must be > 0, got %d", c.MaxConnectionsPerIP)
	}
	if c.MaxConnectionsPerServer < 1 {
		return fmt.Errorf("UB_MAX_CONNECTIONS_PER_SERVER must be > 0, got %d", c.MaxConnectionsPerServer)
	}
	if c.AuthBackoffMultiplier < 1 {
		return fmt.Errorf("UB_AUTH_BACKOFF_MULTIPLIER must be >= 1, got %.2f", c.AuthBackoffMultiplier)
	}
	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("UB_BACKOFF_MULTIPLIER must be >= 1, got %.2f", c.BackoffMultiplier)
	}
	if c.MaxFailuresBeforeBlock < 1 {
		return fmt.Errorf("UB_MAX_FAILURES_BEFORE_BLOCK must be > 0, got %d", c.MaxFailuresBeforeBlock)
	}
	if c.MaxRetryAttempts < 1 {
		return fmt.Errorf("UB_MAX_RETRY_ATTEMPTS must be > 0, got %d", c.MaxRetryAttempts)
	}
	if c.QualityThreshold < 0 || c.QualityThreshold > 100 {
		return fmt.Errorf("UB_QUALITY_THRESHOLD must be 0-100, got %.1f", c.QualityThreshold)
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 1 {
		return fmt.Errorf("UB_FAILURE_RATE_THRESHOLD must be 0-1, got %.2f", c.FailureRateThreshold)
	}
	if c.BridgeErrorRateThreshold < 0 || c.BridgeErrorRateThreshold > 1 {
		return fmt.Errorf("UB_BRIDGE_ERROR_RATE_THRESHOLD must be 0-1, got %.2f", c.BridgeErrorRateThreshold)
	}
	if c.MaxCachedOperations < 1 {
		return fmt.Errorf("UB_MAX_CACHED_OPERATIONS must be > 0, got %d", c.MaxCachedOperations)
	}
	if c.CacheMaxBytes < 1 {
		return fmt.Errorf("UB_CACHE_MAX_BYTES must be > 0, got %d", c.CacheMaxBytes)
	}
	if c.MaxFrameSize < 1024 {
		return fmt.Errorf("UB_MAX_FRAME_SIZE must be >= 1024, got %d", c.MaxFrameSize)
	}
	if c.EventQueueSize < 1 {
		return fmt.Errorf("UB_EVENT_QUEUE_SIZE must be > 0, got %d", c.EventQueueSize)
	}
	if c.FloodThreshold < 1 {
		return fmt.Errorf("UB_FLOOD_THRESHOLD must be > 0, got %d", c.FloodThreshold)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("UB_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("UB_HEARTBEAT_TIMEOUT must be > 0, got %s", c.HeartbeatTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("UB_REQUEST_TIMEOUT must be > 0, got %s", c.RequestTimeout)
	}

	// Enum checks
	for _, m := range c.FailoverModes {
		if !types.ValidMode(types.Mode(m)) {
			return fmt.Errorf("UB_FAILOVER_MODES contains unknown mode %q", m)
		}
	}
	validPolicies := map[string]bool{"lru": true, "lfu": true, "ttl": true}
	if !validPolicies[c.CacheEvictionPolicy] {
		return fmt.Errorf("UB_CACHE_EVICTION_POLICY must be one of: lru, lfu, ttl (got: %s)", c.CacheEvictionPolicy)
	}
	validStrategies := map[string]bool{"server_wins": true, "client_wins": true, "merge": true, "manual": true}
	if !validStrategies[c.ConflictResolutionStrategy] {
		return fmt.Errorf("UB_CONFLICT_RESOLUTION_STRATEGY must be one of: server_wins, client_wins, merge, manual (got: %s)", c.ConflictResolutionStrategy)
	}
	validBackends := map[string]bool{"badger": true, "memory": true}
	if !validBackends[c.StoreBackend] {
		return fmt.Errorf("UB_STORE_BACKEND must be one of: badger, memory (got: %s)", c.StoreBackend)
	}
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("UB_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("UB_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	if c.StoreBackend == "badger" && c.DataDir == "" {
		return fmt.Errorf("UB_DATA_DIR is required with the badger backend")
	}

	return nil
}

// FailoverModeList returns the configured failover modes as typed values.
func (c *Config) FailoverModeList() []types.Mode {
	out := make([]types.Mode, 0, len(c.FailoverModes))
	for _, m := range c.FailoverModes {
		out = append(out, types.Mode(m))
	}
	return out
}

// ApplyFailoverDefault fills a server's empty failover list with the
// fleet-wide UB_FAILOVER_MODES default. CandidateModes still drops modes the
// server carries no transport settings for.
func (c *Config) ApplyFailoverDefault(d *types.ServerDescriptor) {
	if len(d.FailoverModes) == 0 {
		d.FailoverModes = c.FailoverModeList()
	}
}

// LogConfig logs the effective configuration using structured logging.
// Secrets are redacted.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_total_connections", c.MaxTotalConnections).
		Int("max_connections_per_ip", c.MaxConnectionsPerIP).
		Int("max_connections_per_server", c.MaxConnectionsPerServer).
		Dur("auth_base_delay", c.AuthBaseDelay).
		Dur("block_duration", c.BlockDuration).
		Int("max_retry_attempts", c.MaxRetryAttempts).
		Dur("base_retry_interval", c.BaseRetryInterval).
		Bool("jitter_enabled", c.JitterEnabled).
		Bool("enable_failover", c.EnableFailover).
		Strs("failover_modes", c.FailoverModes).
		Int("max_cached_operations", c.MaxCachedOperations).
		Str("conflict_resolution_strategy", c.ConflictResolutionStrategy).
		Int64("cache_max_bytes", c.CacheMaxBytes).
		Str("cache_eviction_policy", c.CacheEvictionPolicy).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("request_timeout", c.RequestTimeout).
		Int("flood_threshold", c.FloodThreshold).
		Str("store_backend", c.StoreBackend).
		Str("data_dir", c.DataDir).
		Str("nats_url", c.NATSUrl).
		Str("audit_kafka_brokers", c.AuditKafkaBrokers).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Hub configuration loaded")
}
