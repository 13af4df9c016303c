// Package cache keeps a Redis copy of every blocked guid:version so status
// lookups from other subsystems do not hit PostgreSQL.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mozilla/addons-server-sub004/internal/db"
	"github.com/mozilla/addons-server-sub004/internal/db/models"
	"github.com/mozilla/addons-server-sub004/pkg/logger"
)

const (
	statusHashKey  = "blocklist:status"
	statusBuiltKey = "blocklist:status:built_at"
)

// StatusSource is the authoritative store the cache is built from.
type StatusSource interface {
	BlockStatus(ctx context.Context, guid, version string) (*models.BlockStatus, error)
	AllStatuses(ctx context.Context) ([]models.BlockStatus, error)
}

// BlockStatusCache maps guid:version to its block status.
type BlockStatusCache struct {
	redisClient redis.UniversalClient
	source      StatusSource
}

// NewBlockStatusCache creates a new BlockStatusCache.
func NewBlockStatusCache(redisClient redis.UniversalClient, source StatusSource) *BlockStatusCache {
	return &BlockStatusCache{
		redisClient: redisClient,
		source:      source,
	}
}

func field(guid, version string) string {
	return guid + ":" + version
}

// Rebuild replaces the cached statuses with the database contents. It runs
// on startup and after every published submission.
func (c *BlockStatusCache) Rebuild(ctx context.Context) error {
	statuses, err := c.source.AllStatuses(ctx)
	if err != nil {
		return fmt.Errorf("failed to load block statuses: %w", err)
	}

	values := make(map[string]any, len(statuses))
	for _, s := range statuses {
		raw, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode block status: %w", err)
		}
		values[field(s.GUID, s.Version)] = raw
	}

	pipe := c.redisClient.TxPipeline()
	pipe.Del(ctx, statusHashKey)
	if len(values) > 0 {
		pipe.HSet(ctx, statusHashKey, values)
	}
	pipe.Set(ctx, statusBuiltKey, time.Now().UTC().Format(time.RFC3339Nano), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write block statuses to Redis: %w", err)
	}

	logger.L().Info("Rebuilt block status cache", zap.Int("entries", len(values)))
	return nil
}

// Status returns the block status of guid:version. A version that is not
// blocked gets StatusID "none". When the cache has never been built or Redis
// fails, the source is queried directly.
func (c *BlockStatusCache) Status(ctx context.Context, guid, version string) (*models.BlockStatus, error) {
	raw, err := c.redisClient.HGet(ctx, statusHashKey, field(guid, version)).Bytes()
	switch {
	case err == nil:
		var s models.BlockStatus
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode cached block status: %w", err)
		}
		return &s, nil
	case errors.Is(err, redis.Nil):
		built, err := c.redisClient.Exists(ctx, statusBuiltKey).Result()
		if err == nil && built > 0 {
			return unblocked(guid, version), nil
		}
	default:
		logger.L().Warn("block status cache unavailable, reading database", zap.Error(err))
	}

	s, err := c.source.BlockStatus(ctx, guid, version)
	if db.IsNotFound(err) {
		return unblocked(guid, version), nil
	}
	return s, err
}

// Count returns the number of cached blocked versions.
func (c *BlockStatusCache) Count(ctx context.Context) (int64, error) {
	n, err := c.redisClient.HLen(ctx, statusHashKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count cached block statuses: %w", err)
	}
	return n, nil
}

func unblocked(guid, version string) *models.BlockStatus {
	return &models.BlockStatus{GUID: guid, Version: version, StatusID: models.BlockType("").StatusID()}
}
