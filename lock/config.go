package lock

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sourced-io/sourced/config"
)

// FromConfig builds the lock manager selected by lock.manager: "memory"
// (the default) or "redis", with the Redis address and lease taken from
// the same section.
func FromConfig(cfg config.LockConfig) (Manager, error) {
	switch cfg.Manager {
	case "", "memory":
		return NewMemoryManager(), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("lock: redis manager requires lock.redis_addr")
		}
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return NewRedisManager(client, RedisLease(cfg.LeaseDuration())), nil
	default:
		return nil, fmt.Errorf("lock: unknown manager %q", cfg.Manager)
	}
}
