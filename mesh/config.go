package mesh

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ScanMode controls the radio duty cycle during discovery
type ScanMode string

const (
	ScanAggressive   ScanMode = "aggressive"
	ScanBalanced     ScanMode = "balanced"
	ScanConservative ScanMode = "conservative"
)

// DefaultNetworkKey is the pre-shared key used when none is configured.
// Every production deployment should override it.
const DefaultNetworkKey = "DisasterMeshNet!"

// Config carries every tunable of a mesh node. Zero values are filled
// in from DefaultConfig by Normalize.
type Config struct {
	// NetworkKey is the pre-shared symmetric key. Truncated or
	// zero-padded to 16 bytes by the codec.
	NetworkKey string

	// DataDir is where node identity, queue state and message history
	// are persisted. Empty means the util package default.
	DataDir string

	InitialTTL      uint8
	AdvertisePeriod time.Duration
	ScanMode        ScanMode

	DuplicateCacheSize int
	DuplicateCacheTTL  time.Duration

	TimestampTolerance time.Duration
	PeerLivenessWindow time.Duration

	QueueRetryInterval time.Duration
	QueueMaxAttempts   int
	QueueMessageExpiry time.Duration
}

// fileConfig is the YAML shape of a config file. Intervals are plain
// integer milliseconds.
type fileConfig struct {
	NetworkKey           string `yaml:"network_key"`
	DataDir              string `yaml:"data_dir"`
	InitialTTL           uint8  `yaml:"initial_ttl"`
	AdvertisePeriodMs    int    `yaml:"advertise_period_ms"`
	ScanMode             string `yaml:"scan_mode"`
	DuplicateCacheSize   int    `yaml:"duplicate_cache_size"`
	DuplicateCacheTTLMs  int    `yaml:"duplicate_cache_ttl_ms"`
	TimestampToleranceMs int    `yaml:"timestamp_tolerance_ms"`
	PeerLivenessWindowMs int    `yaml:"peer_liveness_window_ms"`
	QueueRetryIntervalMs int    `yaml:"queue_retry_interval_ms"`
	QueueMaxAttempts     int    `yaml:"queue_max_attempts"`
	QueueMessageExpiryMs int    `yaml:"queue_message_expiry_ms"`
}

// DefaultConfig returns the standard mesh parameters
func DefaultConfig() *Config {
	return &Config{
		NetworkKey:         DefaultNetworkKey,
		InitialTTL:         5,
		AdvertisePeriod:    1 * time.Second,
		ScanMode:           ScanBalanced,
		DuplicateCacheSize: 500,
		DuplicateCacheTTL:  5 * time.Minute,
		TimestampTolerance: 5 * time.Minute,
		PeerLivenessWindow: 30 * time.Second,
		QueueRetryInterval: 30 * time.Second,
		QueueMaxAttempts:   20,
		QueueMessageExpiry: 1 * time.Hour,
	}
}

// Normalize fills unset fields from defaults and validates the rest
func (c *Config) Normalize() error {
	defaults := DefaultConfig()

	if c.NetworkKey == "" {
		c.NetworkKey = defaults.NetworkKey
	}
	if c.InitialTTL == 0 {
		c.InitialTTL = defaults.InitialTTL
	}
	if c.AdvertisePeriod == 0 {
		c.AdvertisePeriod = defaults.AdvertisePeriod
	}
	if c.ScanMode == "" {
		c.ScanMode = defaults.ScanMode
	}
	if c.DuplicateCacheSize == 0 {
		c.DuplicateCacheSize = defaults.DuplicateCacheSize
	}
	if c.DuplicateCacheTTL == 0 {
		c.DuplicateCacheTTL = defaults.DuplicateCacheTTL
	}
	if c.TimestampTolerance == 0 {
		c.TimestampTolerance = defaults.TimestampTolerance
	}
	if c.PeerLivenessWindow == 0 {
		c.PeerLivenessWindow = defaults.PeerLivenessWindow
	}
	if c.QueueRetryInterval == 0 {
		c.QueueRetryInterval = defaults.QueueRetryInterval
	}
	if c.QueueMaxAttempts == 0 {
		c.QueueMaxAttempts = defaults.QueueMaxAttempts
	}
	if c.QueueMessageExpiry == 0 {
		c.QueueMessageExpiry = defaults.QueueMessageExpiry
	}

	switch c.ScanMode {
	case ScanAggressive, ScanBalanced, ScanConservative:
	default:
		return fmt.Errorf("invalid scan mode %q", c.ScanMode)
	}

	return nil
}

// LoadConfig reads a YAML config file and applies defaults for any
// field it leaves unset
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg := &Config{
		NetworkKey:         file.NetworkKey,
		DataDir:            file.DataDir,
		InitialTTL:         file.InitialTTL,
		AdvertisePeriod:    time.Duration(file.AdvertisePeriodMs) * time.Millisecond,
		ScanMode:           ScanMode(file.ScanMode),
		DuplicateCacheSize: file.DuplicateCacheSize,
		DuplicateCacheTTL:  time.Duration(file.DuplicateCacheTTLMs) * time.Millisecond,
		TimestampTolerance: time.Duration(file.TimestampToleranceMs) * time.Millisecond,
		PeerLivenessWindow: time.Duration(file.PeerLivenessWindowMs) * time.Millisecond,
		QueueRetryInterval: time.Duration(file.QueueRetryIntervalMs) * time.Millisecond,
		QueueMaxAttempts:   file.QueueMaxAttempts,
		QueueMessageExpiry: time.Duration(file.QueueMessageExpiryMs) * time.Millisecond,
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}
