// Package config loads, validates, and materializes the configuration for
// the three mediastore services: the storage server, the caching proxy, and
// the storage (write) proxy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ltessier/mediastore/internal/alert"
	"github.com/ltessier/mediastore/pkg/backend"
)

// Config captures the static configuration of every mediastore service.
// One file configures all three; each command reads only its sections.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (MEDIASTORE_*)
//  2. Configuration file (YAML)
//  3. Default values
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the storage server's HTTP surface and trust rules
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Database configures the record store
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// Families maps family names to their filesystem backends. The key
	// "generic" is mandatory and backs records without a family.
	Families map[string]FamilyStorageConfig `mapstructure:"families" yaml:"families"`

	// Compression limits the available compression algorithms. Empty means
	// every built-in algorithm is available.
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`

	// Maintainer gates the storage server's background loops
	Maintainer MaintainerConfig `mapstructure:"maintainer" yaml:"maintainer"`

	// CacheProxy configures the caching proxy service
	CacheProxy CacheProxyConfig `mapstructure:"cache_proxy" yaml:"cache_proxy"`

	// StorageProxy configures the storage (write) proxy service
	StorageProxy StorageProxyConfig `mapstructure:"storage_proxy" yaml:"storage_proxy"`

	// Metrics configures the Prometheus metrics endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Alerts configures operator alert e-mails
	Alerts alert.Config `mapstructure:"alerts" yaml:"alerts"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format.
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the storage server.
type ServerConfig struct {
	// Bind is the listen address
	Bind string `mapstructure:"bind" yaml:"bind"`

	// Port is the HTTP port
	Port int `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	// TrustedHosts is a space-delimited list of client IPs that bypass
	// per-record key checks
	TrustedHosts string `mapstructure:"trusted_hosts" yaml:"trusted_hosts"`

	// QuerySize caps the number of records one query may return
	QuerySize int `mapstructure:"query_size" validate:"omitempty,min=1" yaml:"query_size"`

	// MinuteResolution is the blob-path time bucket size, in minutes
	MinuteResolution int `mapstructure:"minute_resolution" validate:"omitempty,min=1,max=60" yaml:"minute_resolution"`
}

// TrustedHostList splits the space-delimited trusted host string.
func (c ServerConfig) TrustedHostList() []string {
	return strings.Fields(c.TrustedHosts)
}

// DatabaseConfig configures the record store.
type DatabaseConfig struct {
	// Path is the directory for the record database
	Path string `mapstructure:"path" yaml:"path"`

	// InMemory runs the record store without persistence; for tests and
	// experiments only
	InMemory bool `mapstructure:"in_memory" yaml:"in_memory"`
}

// FamilyStorageConfig configures one family's filesystem backend.
type FamilyStorageConfig struct {
	// Type selects the backend implementation.
	// Valid values: local, s3
	Type string `mapstructure:"type" validate:"required,oneof=local s3" yaml:"type"`

	// Path is the local backend's root directory
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// S3 configures the s3 backend
	S3 backend.S3Config `mapstructure:"s3" yaml:"s3,omitempty"`
}

// CompressionConfig limits the available compression algorithms.
type CompressionConfig struct {
	// Formats names the allowed algorithms (gzip, bz2, lzma). Empty admits
	// all of them.
	Formats []string `mapstructure:"formats" yaml:"formats,omitempty"`
}

// LoopConfig gates one maintenance loop.
type LoopConfig struct {
	// Windows is the execution window definition, e.g.
	// "mo[00:00..06:00] su[00:00..24:00]". Empty disables the loop.
	Windows string `mapstructure:"windows" yaml:"windows"`

	// Sleep is the pause between complete sweeps inside a window
	Sleep time.Duration `mapstructure:"sleep" yaml:"sleep"`
}

// MaintainerConfig gates the storage server's background loops.
type MaintainerConfig struct {
	// Deletion removes records whose deletion policy has fired
	Deletion LoopConfig `mapstructure:"deletion" yaml:"deletion"`

	// Compression converts records whose compression policy has fired
	Compression LoopConfig `mapstructure:"compression" yaml:"compression"`

	// RecordReconciler drops records whose blob is missing
	RecordReconciler LoopConfig `mapstructure:"record_reconciler" yaml:"record_reconciler"`

	// FileReconciler unlinks blobs whose record is missing. Disabled unless
	// explicitly windowed: with a wiped record store it would delete every
	// file.
	FileReconciler LoopConfig `mapstructure:"file_reconciler" yaml:"file_reconciler"`
}

// CacheProxyConfig configures the caching proxy.
type CacheProxyConfig struct {
	// Bind is the listen address
	Bind string `mapstructure:"bind" yaml:"bind"`

	// Port is the HTTP port
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// Root is the local directory cached entities live under
	Root string `mapstructure:"root" yaml:"root"`

	// MinCacheTime and MaxCacheTime clamp per-entity TTLs
	MinCacheTime time.Duration `mapstructure:"min_cache_time" yaml:"min_cache_time"`
	MaxCacheTime time.Duration `mapstructure:"max_cache_time" yaml:"max_cache_time"`

	// Timeout bounds each upstream fetch
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// PurgeInterval is the purger's wake-up period
	PurgeInterval time.Duration `mapstructure:"purge_interval" yaml:"purge_interval"`
}

// StorageProxyConfig configures the storage (write) proxy.
type StorageProxyConfig struct {
	// Bind is the listen address
	Bind string `mapstructure:"bind" yaml:"bind"`

	// Port is the HTTP port
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// Root is the directory queued uploads persist under
	Root string `mapstructure:"root" yaml:"root"`

	// Workers is the upload worker count
	Workers int `mapstructure:"workers" validate:"omitempty,min=1" yaml:"workers"`

	// UploadTimeout bounds each delivery attempt
	UploadTimeout time.Duration `mapstructure:"upload_timeout" yaml:"upload_timeout"`

	// FloodInterval is the initial hold-off after a delivery failure
	FloodInterval time.Duration `mapstructure:"flood_interval" yaml:"flood_interval"`

	// QueueSize bounds the in-memory upload queue
	QueueSize int `mapstructure:"queue_size" validate:"omitempty,min=1" yaml:"queue_size"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
// When Enabled is false, no metrics are collected.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the HTTP endpoint
	// are enabled
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (MEDIASTORE_*)
//  2. Configuration file
//  3. Default values
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !configFileFound {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages, pointing the
// user at 'mediastore init' when no file exists.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  mediastore init\n\n"+
				"Or specify a custom config file:\n"+
				"  mediastore <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  mediastore init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Restricted permissions: the file may hold S3 and SMTP credentials.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures viper with environment variables and config file
// settings. Environment variables use the MEDIASTORE_ prefix with
// underscores, e.g. MEDIASTORE_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("MEDIASTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. Returns
// (fileFound, error); a missing file is not an error.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts config strings like "30s", "5m", "1h" to
// time.Duration. Bare numbers are taken as seconds: the wire protocol and
// the original deployment configs express every interval in seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "mediastore")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "mediastore")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for the
// init command).
func GetConfigDir() string {
	return getConfigDir()
}
