// Package config provides configuration management for hlsplayer using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort             = 8080
	defaultServerTimeout          = 30 * time.Second
	defaultShutdownTimeout        = 10 * time.Second
	defaultHTTPTimeout            = 15 * time.Second
	defaultRetryAttempts          = 3
	defaultRetryDelay             = 1 * time.Second
	defaultCircuitBreakerThresh   = 5
	defaultCircuitBreakerTimeout  = 30 * time.Second
	defaultMasterRetryInterval    = 1 * time.Second
	defaultSessionTickInterval    = 100 * time.Millisecond
	defaultDisplayTickInterval    = time.Second / 60
	defaultBufferingDuration      = 30 * time.Second
	defaultUrgentDuration         = 5 * time.Second
	defaultNotUrgentDuration      = 15 * time.Second
	defaultBitrateRatio           = 1.3
	defaultUrgentRatio            = 2.0
	defaultNotUrgentRatio         = 1.1
	defaultUpgradeSpeed           = 0.1
	defaultDowngradeSpeed         = 0.3
	defaultCacheMaxBytes          = 500 * 1024 * 1024 // 500MB
	defaultCacheSweepInterval     = 5 * time.Minute
	defaultInitialRingCapacity    = 0 // 0 keeps the renderer's 2000 video / 500 audio seeds
	defaultStoreRetention         = Duration(30 * 24 * time.Hour)
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Network   NetworkConfig   `mapstructure:"network"`
	ABR       ABRConfig       `mapstructure:"abr"`
	Session   SessionConfig   `mapstructure:"session"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Store     StoreConfig     `mapstructure:"store"`
}

// ServerConfig holds the local fragment-origin HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// NetworkConfig holds the resilient HTTP client configuration used for
// fetching playlists and fragments.
type NetworkConfig struct {
	HTTPTimeout             time.Duration `mapstructure:"http_timeout"`
	RetryAttempts           int           `mapstructure:"retry_attempts"`
	RetryDelay              time.Duration `mapstructure:"retry_delay"`
	CircuitBreakerThreshold int           `mapstructure:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `mapstructure:"circuit_breaker_timeout"`
	MasterRetryInterval     time.Duration `mapstructure:"master_retry_interval"`
}

// ABRConfig holds adaptive bitrate selection thresholds.
type ABRConfig struct {
	BufferingDuration time.Duration `mapstructure:"buffering_duration"`
	UrgentDuration    time.Duration `mapstructure:"urgent_duration"`
	NotUrgentDuration time.Duration `mapstructure:"not_urgent_duration"`
	BitrateRatio      float64       `mapstructure:"bitrate_ratio"`
	UrgentRatio       float64       `mapstructure:"urgent_ratio"`
	NotUrgentRatio    float64       `mapstructure:"not_urgent_ratio"`
	UpgradeSpeed      float64       `mapstructure:"upgrade_speed"`
	DowngradeSpeed    float64       `mapstructure:"downgrade_speed"`
}

// SessionConfig holds playback session scheduling configuration.
type SessionConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// RendererConfig holds ring-buffer renderer configuration.
type RendererConfig struct {
	DisplayTickInterval  time.Duration `mapstructure:"display_tick_interval"`
	InitialRingCapacity  int           `mapstructure:"initial_ring_capacity"`
}

// CacheConfig holds fragment cache configuration.
type CacheConfig struct {
	BaseDir       string   `mapstructure:"base_dir"`
	MaxBytes      ByteSize `mapstructure:"max_bytes"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// StoreConfig holds the persisted ABR bitrate seed store configuration.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // sqlite
	DSN    string `mapstructure:"dsn"`
	// RetentionPeriod bounds how long completed-session telemetry rows are
	// kept; older rows are pruned when the demo command starts. Accepts human-readable units
	// ("30d", "2w") in addition to Go's own duration syntax.
	RetentionPeriod Duration `mapstructure:"retention_period"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with HLSPLAYER_ and use underscores for
// nesting. Example: HLSPLAYER_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/hlsplayer")
		v.AddConfigPath("$HOME/.hlsplayer")
	}

	v.SetEnvPrefix("HLSPLAYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("network.http_timeout", defaultHTTPTimeout)
	v.SetDefault("network.retry_attempts", defaultRetryAttempts)
	v.SetDefault("network.retry_delay", defaultRetryDelay)
	v.SetDefault("network.circuit_breaker_threshold", defaultCircuitBreakerThresh)
	v.SetDefault("network.circuit_breaker_timeout", defaultCircuitBreakerTimeout)
	v.SetDefault("network.master_retry_interval", defaultMasterRetryInterval)

	v.SetDefault("abr.buffering_duration", defaultBufferingDuration)
	v.SetDefault("abr.urgent_duration", defaultUrgentDuration)
	v.SetDefault("abr.not_urgent_duration", defaultNotUrgentDuration)
	v.SetDefault("abr.bitrate_ratio", defaultBitrateRatio)
	v.SetDefault("abr.urgent_ratio", defaultUrgentRatio)
	v.SetDefault("abr.not_urgent_ratio", defaultNotUrgentRatio)
	v.SetDefault("abr.upgrade_speed", defaultUpgradeSpeed)
	v.SetDefault("abr.downgrade_speed", defaultDowngradeSpeed)

	v.SetDefault("session.tick_interval", defaultSessionTickInterval)

	v.SetDefault("renderer.display_tick_interval", defaultDisplayTickInterval)
	v.SetDefault("renderer.initial_ring_capacity", defaultInitialRingCapacity)

	v.SetDefault("cache.base_dir", "")
	v.SetDefault("cache.max_bytes", defaultCacheMaxBytes)
	v.SetDefault("cache.sweep_interval", defaultCacheSweepInterval)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "hlsplayer.db")
	v.SetDefault("store.retention_period", time.Duration(defaultStoreRetention))
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.ABR.BitrateRatio <= 1.0 {
		return fmt.Errorf("abr.bitrate_ratio must be greater than 1.0")
	}
	if c.ABR.UrgentRatio <= c.ABR.NotUrgentRatio {
		return fmt.Errorf("abr.urgent_ratio must be greater than abr.not_urgent_ratio")
	}

	validDrivers := map[string]bool{"sqlite": true}
	if !validDrivers[c.Store.Driver] {
		return fmt.Errorf("store.driver must be one of: sqlite")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
