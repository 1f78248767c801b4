package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// yamlSafePath converts a filesystem path to a YAML-safe representation.
// On Windows, backslashes in double-quoted YAML strings are interpreted as
// escape sequences, causing parse errors.
func yamlSafePath(p string) string {
	return filepath.ToSlash(p)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_DefaultsApplied(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, `
logging:
  level: "INFO"

server:
  port: 1234

families:
  generic:
    type: local
    path: "`+yamlSafePath(tmpDir)+`/store"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Server.QuerySize != 250 {
		t.Errorf("Expected default query_size 250, got %d", cfg.Server.QuerySize)
	}
	if cfg.Server.MinuteResolution != 5 {
		t.Errorf("Expected default minute_resolution 5, got %d", cfg.Server.MinuteResolution)
	}
	if cfg.StorageProxy.FloodInterval != 2500*time.Millisecond {
		t.Errorf("Expected default flood_interval 2.5s, got %v", cfg.StorageProxy.FloodInterval)
	}
	if cfg.CacheProxy.MaxCacheTime != time.Hour {
		t.Errorf("Expected default max_cache_time 1h, got %v", cfg.CacheProxy.MaxCacheTime)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// Loading with no config file returns a valid default config, so the
	// services can run without one for quick testing.
	nonExistentPath := filepath.Join(t.TempDir(), "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error when loading default config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected default config to be returned")
	}
	if _, ok := cfg.Families[GenericFamilyKey]; !ok {
		t.Error("Expected default config to carry a generic family")
	}
}

func TestLoad_FullConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, `
logging:
  level: "debug"
  format: "json"

server:
  bind: "127.0.0.1"
  port: 8090
  trusted_hosts: "10.0.0.1 10.0.0.2"
  query_size: 100
  minute_resolution: 10

database:
  path: "`+yamlSafePath(tmpDir)+`/db"

families:
  generic:
    type: local
    path: "`+yamlSafePath(tmpDir)+`/store"
  archive:
    type: s3
    s3:
      bucket: "media-archive"
      region: "eu-west-1"

compression:
  formats: ["gzip", "bz2"]

maintainer:
  deletion:
    windows: "mo[00:00..06:00]"
    sleep: 5m

cache_proxy:
  root: "`+yamlSafePath(tmpDir)+`/cache"
  min_cache_time: 60
  max_cache_time: 3600

storage_proxy:
  root: "`+yamlSafePath(tmpDir)+`/relay"
  workers: 4
  upload_timeout: 10m
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected level normalized to DEBUG, got %q", cfg.Logging.Level)
	}
	hosts := cfg.Server.TrustedHostList()
	if len(hosts) != 2 || hosts[0] != "10.0.0.1" || hosts[1] != "10.0.0.2" {
		t.Errorf("Unexpected trusted host list: %v", hosts)
	}
	if cfg.Families["archive"].S3.Bucket != "media-archive" {
		t.Errorf("Expected archive bucket, got %q", cfg.Families["archive"].S3.Bucket)
	}
	if cfg.Maintainer.Deletion.Windows != "mo[00:00..06:00]" {
		t.Errorf("Unexpected deletion windows: %q", cfg.Maintainer.Deletion.Windows)
	}
	if cfg.Maintainer.Deletion.Sleep != 5*time.Minute {
		t.Errorf("Expected deletion sleep 5m, got %v", cfg.Maintainer.Deletion.Sleep)
	}
	// Bare numbers mean seconds.
	if cfg.CacheProxy.MinCacheTime != 60*time.Second {
		t.Errorf("Expected min_cache_time 60s, got %v", cfg.CacheProxy.MinCacheTime)
	}
	if cfg.CacheProxy.MaxCacheTime != time.Hour {
		t.Errorf("Expected max_cache_time 1h, got %v", cfg.CacheProxy.MaxCacheTime)
	}
	if cfg.StorageProxy.UploadTimeout != 10*time.Minute {
		t.Errorf("Expected upload_timeout 10m, got %v", cfg.StorageProxy.UploadTimeout)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	configPath := writeConfig(t, "logging: [broken")

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected error for malformed YAML")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Server.Port = 4321
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to reload saved config: %v", err)
	}
	if loaded.Server.Port != 4321 {
		t.Errorf("Expected reloaded port 4321, got %d", loaded.Server.Port)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Failed to stat saved config: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected 0600 permissions, got %v", info.Mode().Perm())
	}
}
