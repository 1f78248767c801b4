package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields. Zero values are replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyDatabaseDefaults(&cfg.Database)
	applyFamilyDefaults(cfg)
	applyMaintainerDefaults(&cfg.Maintainer)
	applyCacheProxyDefaults(&cfg.CacheProxy)
	applyStorageProxyDefaults(&cfg.StorageProxy)
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}
	if cfg.Port == 0 {
		cfg.Port = 1234
	}
	if cfg.QuerySize == 0 {
		cfg.QuerySize = 250
	}
	if cfg.MinuteResolution == 0 {
		cfg.MinuteResolution = 5
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.Path == "" && !cfg.InMemory {
		cfg.Path = "/var/lib/mediastore/db"
	}
}

// applyFamilyDefaults ensures a generic family exists; without one, records
// carrying no family would have nowhere to land.
func applyFamilyDefaults(cfg *Config) {
	if cfg.Families == nil {
		cfg.Families = map[string]FamilyStorageConfig{}
	}
	if _, ok := cfg.Families[GenericFamilyKey]; !ok {
		cfg.Families[GenericFamilyKey] = FamilyStorageConfig{
			Type: "local",
			Path: "/var/lib/mediastore/store",
		}
	}
}

func applyMaintainerDefaults(cfg *MaintainerConfig) {
	for _, loop := range []*LoopConfig{
		&cfg.Deletion, &cfg.Compression, &cfg.RecordReconciler, &cfg.FileReconciler,
	} {
		if loop.Sleep == 0 {
			loop.Sleep = 60 * time.Second
		}
	}
	// Windows carry no defaults: an unwindowed loop stays off until the
	// operator schedules it.
}

func applyCacheProxyDefaults(cfg *CacheProxyConfig) {
	if cfg.Bind == "" {
		cfg.Bind = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 1235
	}
	if cfg.Root == "" {
		cfg.Root = "/var/spool/mediastore/cache"
	}
	if cfg.MaxCacheTime == 0 {
		cfg.MaxCacheTime = time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PurgeInterval == 0 {
		cfg.PurgeInterval = 30 * time.Second
	}
}

func applyStorageProxyDefaults(cfg *StorageProxyConfig) {
	if cfg.Bind == "" {
		cfg.Bind = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 1236
	}
	if cfg.Root == "" {
		cfg.Root = "/var/spool/mediastore/relay"
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.UploadTimeout == 0 {
		cfg.UploadTimeout = 5 * time.Minute
	}
	if cfg.FloodInterval == 0 {
		cfg.FloodInterval = 2500 * time.Millisecond
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 4096
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config with all default values applied.
// Useful for generating sample configuration files and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
