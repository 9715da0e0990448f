package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "marketstream/config"
	"marketstream/logger"
	"marketstream/models"
)

// SnapshotCache keeps the most recent published snapshot in redis so a
// restarted instance can serve a warm first frame before the feed catches up.
type SnapshotCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	log    *logger.Log
}

// NewSnapshotCache returns nil when the cache is disabled. Callers treat a nil
// cache as a no-op.
func NewSnapshotCache(cfg *appconfig.Config) *SnapshotCache {
	redisCfg := cfg.Cache.Redis
	if !redisCfg.Enabled {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Address,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})

	log := logger.GetLogger()
	log.WithComponent("snapshot_cache").WithFields(logger.Fields{
		"address": redisCfg.Address,
		"key":     redisCfg.Key,
	}).Info("snapshot cache initialized")

	return &SnapshotCache{
		client: client,
		key:    redisCfg.Key,
		ttl:    redisCfg.TTL,
		log:    log,
	}
}

// Store writes the latest snapshot message. Failures are logged and swallowed,
// the cache is best effort and must never stall the publish path.
func (c *SnapshotCache) Store(ctx context.Context, msg models.SnapshotMessage) {
	if c == nil {
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		c.log.WithComponent("snapshot_cache").WithError(err).Warn("failed to marshal snapshot for cache")
		return
	}

	if err := c.client.Set(ctx, c.key, payload, c.ttl).Err(); err != nil {
		c.log.WithComponent("snapshot_cache").WithError(err).Warn("failed to store snapshot in cache")
	}
}

// Load returns the cached snapshot, or an error when none is available.
func (c *SnapshotCache) Load(ctx context.Context) (models.SnapshotMessage, error) {
	var msg models.SnapshotMessage
	if c == nil {
		return msg, fmt.Errorf("snapshot cache disabled")
	}

	payload, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		return msg, fmt.Errorf("failed to load cached snapshot: %w", err)
	}

	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode cached snapshot: %w", err)
	}

	return msg, nil
}

func (c *SnapshotCache) Close() {
	if c == nil {
		return
	}
	if err := c.client.Close(); err != nil {
		c.log.WithComponent("snapshot_cache").WithError(err).Warn("failed to close redis client")
	}
}
