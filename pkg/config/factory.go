package config

import (
	"context"
	"fmt"

	"github.com/ltessier/mediastore/pkg/backend"
	"github.com/ltessier/mediastore/pkg/family"
	"github.com/ltessier/mediastore/pkg/recordstore"
	badgerstore "github.com/ltessier/mediastore/pkg/recordstore/badger"
)

// GenericFamilyKey is the config key naming the generic family. The family
// router itself addresses it as the empty string.
const GenericFamilyKey = "generic"

// CreateRecordStore opens the record store from configuration.
func CreateRecordStore(cfg DatabaseConfig) (recordstore.Store, error) {
	store, err := badgerstore.Open(badgerstore.Options{
		Dir:      cfg.Path,
		InMemory: cfg.InMemory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	return store, nil
}

// CreateFamilyRouter builds the family router with one backend per
// configured family.
func CreateFamilyRouter(ctx context.Context, families map[string]FamilyStorageConfig) (*family.Router, error) {
	backends := make(map[string]backend.Backend, len(families))
	for name, fam := range families {
		b, err := createBackend(ctx, name, fam)
		if err != nil {
			return nil, err
		}
		if name == GenericFamilyKey {
			name = family.Generic
		}
		backends[name] = b
	}
	return family.NewRouter(backends)
}

// createBackend creates a single family's filesystem backend.
func createBackend(ctx context.Context, name string, cfg FamilyStorageConfig) (backend.Backend, error) {
	switch cfg.Type {
	case "local":
		b, err := backend.NewLocalBackend(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("families.%s: %w", name, err)
		}
		return b, nil
	case "s3":
		client, err := backend.NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("families.%s: %w", name, err)
		}
		b, err := backend.NewS3Backend(ctx, client, cfg.S3.Bucket, cfg.S3.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("families.%s: %w", name, err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("families.%s: unknown storage type %q", name, cfg.Type)
	}
}
