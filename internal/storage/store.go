package storage

import (
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/marctheshark3/mining-wave/internal/config"
)

// Open returns the configured EventStore. client may be nil for the leveldb backend.
func Open(cfg config.StoreConfig, client *redis.Client) (EventStore, error) {
	switch cfg.Backend {
	case "leveldb":
		return OpenLevelStore(cfg.Path)
	case "redis", "":
		if client == nil {
			return nil, fmt.Errorf("redis store requires a redis client")
		}
		return NewRedisStore(client), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
