package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendPebble = "pebble"
)

// Signing modes
const (
	SigningNone    = "none"
	SigningEd25519 = "ed25519"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID           string        `yaml:"node_id"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	MaxConnections   int           `yaml:"max_connections"`
	MaxHistoryDeltas int           `yaml:"max_history_deltas"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds storage configuration. The disk thresholds are
// percentages of the filesystem holding data_dir.
type StorageConfig struct {
	Backend                 string        `yaml:"backend"`
	DataDir                 string        `yaml:"data_dir"`
	DiskCheckInterval       time.Duration `yaml:"disk_check_interval"`
	WarningThreshold        float64       `yaml:"warning_threshold"`
	ThrottleThreshold       float64       `yaml:"throttle_threshold"`
	CircuitBreakerThreshold float64       `yaml:"circuit_breaker_threshold"`
}

// WaveletConfig holds wavelet residency and state configuration
type WaveletConfig struct {
	SnapshotEvery     uint64        `yaml:"snapshot_every"`
	LoadTimeout       time.Duration `yaml:"load_timeout"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
	MaxResident       uint64        `yaml:"max_resident"`
	LoadWorkers       int           `yaml:"load_workers"`
	EnforceAccess     *bool         `yaml:"enforce_access"`
	RequireSignatures bool          `yaml:"require_signatures"`
}

// PersistenceConfig holds persistence executor configuration
type PersistenceConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// SigningConfig holds delta signing configuration. Trusted maps a domain
// to the hex encoded ed25519 public key its signatures are verified with.
type SigningConfig struct {
	Mode    string            `yaml:"mode"`
	Domain  string            `yaml:"domain"`
	SeedHex string            `yaml:"seed_hex"`
	Trusted map[string]string `yaml:"trusted"`
}

// RateLimitConfig holds submission API rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"rps"`
	Burst             int     `yaml:"burst"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for the wavelet server
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Wavelet     WaveletConfig     `yaml:"wavelet"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Signing     SigningConfig     `yaml:"signing"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration, then applies environment overrides and
// defaults
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnv overrides file settings from the environment
func applyEnv(cfg *Config) error {
	if v := os.Getenv("WAVELETD_NODE_ID"); v != "" {
		cfg.Server.NodeID = v
	}
	if v := os.Getenv("WAVELETD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid WAVELETD_PORT %q: %w", v, err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("WAVELETD_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("WAVELETD_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 50061
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 1000
	}
	if cfg.Server.MaxHistoryDeltas == 0 {
		cfg.Server.MaxHistoryDeltas = 1000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendFile
	}
	if cfg.Storage.DataDir == "" && cfg.Storage.Backend != BackendMemory {
		cfg.Storage.DataDir = "/var/lib/waveletd"
	}
	if cfg.Storage.DiskCheckInterval == 0 {
		cfg.Storage.DiskCheckInterval = 10 * time.Second
	}
	if cfg.Storage.WarningThreshold == 0 {
		cfg.Storage.WarningThreshold = 80
	}
	if cfg.Storage.ThrottleThreshold == 0 {
		cfg.Storage.ThrottleThreshold = 90
	}
	if cfg.Storage.CircuitBreakerThreshold == 0 {
		cfg.Storage.CircuitBreakerThreshold = 95
	}

	if cfg.Wavelet.SnapshotEvery == 0 {
		cfg.Wavelet.SnapshotEvery = 250
	}
	if cfg.Wavelet.LoadTimeout == 0 {
		cfg.Wavelet.LoadTimeout = 100 * time.Second
	}
	if cfg.Wavelet.IdleTTL == 0 {
		cfg.Wavelet.IdleTTL = 10 * time.Minute
	}
	if cfg.Wavelet.MaxResident == 0 {
		cfg.Wavelet.MaxResident = 10000
	}
	if cfg.Wavelet.LoadWorkers == 0 {
		cfg.Wavelet.LoadWorkers = 4
	}
	if cfg.Wavelet.EnforceAccess == nil {
		enforce := true
		cfg.Wavelet.EnforceAccess = &enforce
	}

	if cfg.Persistence.Workers == 0 {
		cfg.Persistence.Workers = 8
	}
	if cfg.Persistence.QueueSize == 0 {
		cfg.Persistence.QueueSize = 1000
	}

	if cfg.Signing.Mode == "" {
		cfg.Signing.Mode = SigningNone
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendFile, BackendBadger, BackendPebble:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the %s backend", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}
	s := c.Storage
	if !(0 < s.WarningThreshold && s.WarningThreshold <= s.ThrottleThreshold &&
		s.ThrottleThreshold <= s.CircuitBreakerThreshold && s.CircuitBreakerThreshold <= 100) {
		return fmt.Errorf("storage thresholds must satisfy 0 < warning <= throttle <= circuit_breaker <= 100")
	}

	if c.Persistence.Workers < 1 || c.Persistence.QueueSize < 1 {
		return fmt.Errorf("persistence.workers and persistence.queue_size must be positive")
	}

	switch c.Signing.Mode {
	case SigningNone:
		if c.Wavelet.RequireSignatures {
			return fmt.Errorf("wavelet.require_signatures needs signing.mode %s", SigningEd25519)
		}
	case SigningEd25519:
		if seed, err := hex.DecodeString(c.Signing.SeedHex); c.Signing.SeedHex != "" && (err != nil || len(seed) != 32) {
			return fmt.Errorf("signing.seed_hex must be 32 hex encoded bytes")
		}
		if c.Signing.SeedHex != "" && c.Signing.Domain == "" {
			return fmt.Errorf("signing.domain is required with signing.seed_hex")
		}
		for domain, key := range c.Signing.Trusted {
			if pub, err := hex.DecodeString(key); err != nil || len(pub) != 32 {
				return fmt.Errorf("signing.trusted[%s] must be a hex encoded ed25519 public key", domain)
			}
		}
	default:
		return fmt.Errorf("unknown signing.mode %q", c.Signing.Mode)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}
