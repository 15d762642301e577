package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/isdmx/wasmbox/config"
)

// NewStoreFromConfig opens the store selected by storage.backend.
func NewStoreFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "badger":
		return NewBadgerStore(BadgerOptions{
			Path:       cfg.Storage.Badger.Path,
			InMemory:   cfg.Storage.Badger.InMemory,
			SyncWrites: cfg.Storage.Badger.SyncWrites,
		}, logger)
	case "redis":
		return NewRedisStore(ctx, RedisOptions{
			Addr:        cfg.Storage.Redis.Addr,
			Password:    cfg.Storage.Redis.Password,
			DB:          cfg.Storage.Redis.DB,
			Prefix:      cfg.Storage.Redis.Prefix,
			DialTimeout: cfg.GetDialTimeout(),
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
}
