package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidate_ValidConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if err := Validate(cfg); err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Logging.Format = "xml"

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_InvalidServerPort(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Server.Port = 70000

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for out-of-range port")
	}
}

func TestValidate_MissingGenericFamily(t *testing.T) {
	cfg := GetDefaultConfig()
	delete(cfg.Families, GenericFamilyKey)

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for missing generic family")
	}
	if !strings.Contains(err.Error(), "generic") {
		t.Errorf("Expected generic-family error, got: %v", err)
	}
}

func TestValidate_LocalFamilyWithoutPath(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Families["fast"] = FamilyStorageConfig{Type: "local"}

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for local family without path")
	}
}

func TestValidate_S3FamilyWithoutBucket(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Families["archive"] = FamilyStorageConfig{Type: "s3"}

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for s3 family without bucket")
	}
}

func TestValidate_UnknownFamilyType(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Families["odd"] = FamilyStorageConfig{Type: "tape"}

	if err := Validate(cfg); err == nil {
		t.Fatal("Expected validation error for unknown family storage type")
	}
}

func TestValidate_CacheTimeOrdering(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.CacheProxy.MinCacheTime = 2 * time.Hour
	cfg.CacheProxy.MaxCacheTime = time.Hour

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for min_cache_time > max_cache_time")
	}
	if !strings.Contains(err.Error(), "min_cache_time") {
		t.Errorf("Expected cache-time error, got: %v", err)
	}
}
