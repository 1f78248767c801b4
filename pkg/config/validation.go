package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks the configuration against the struct-level validation
// tags plus the cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return err
	}

	if _, ok := cfg.Families[GenericFamilyKey]; !ok {
		return fmt.Errorf("families: a %q family is required", GenericFamilyKey)
	}
	for name, fam := range cfg.Families {
		if err := validateFamily(name, fam); err != nil {
			return err
		}
	}

	if cfg.CacheProxy.MinCacheTime > cfg.CacheProxy.MaxCacheTime {
		return fmt.Errorf("cache_proxy: min_cache_time (%s) exceeds max_cache_time (%s)",
			cfg.CacheProxy.MinCacheTime, cfg.CacheProxy.MaxCacheTime)
	}

	return nil
}

func validateFamily(name string, fam FamilyStorageConfig) error {
	switch fam.Type {
	case "local":
		if fam.Path == "" {
			return fmt.Errorf("families.%s: local storage requires path", name)
		}
	case "s3":
		if fam.S3.Bucket == "" {
			return fmt.Errorf("families.%s: s3 storage requires s3.bucket", name)
		}
	default:
		return fmt.Errorf("families.%s: unknown storage type %q", name, fam.Type)
	}
	return nil
}
