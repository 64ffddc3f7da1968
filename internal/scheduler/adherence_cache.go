package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"artemis-health/internal/config"
	"artemis-health/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// AdherenceCache 依从率统计的 Redis 缓存
// 剂次终态变化时失效，下次查询重新计算
type AdherenceCache struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewAdherenceCache 创建依从率缓存
func NewAdherenceCache(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *AdherenceCache {
	return &AdherenceCache{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

func (c *AdherenceCache) key(userID string) string {
	return fmt.Sprintf("%s%s%s",
		c.config.Cache.AlertKeyPrefix,
		userID,
		c.config.Cache.AdherenceSuffix,
	)
}

// Set 写入某用户的依从率统计
func (c *AdherenceCache) Set(ctx context.Context, adherence *models.Adherence) error {
	jsonData, err := json.Marshal(adherence)
	if err != nil {
		return fmt.Errorf("failed to marshal adherence: %w", err)
	}

	err = c.redisClient.Set(ctx, c.key(adherence.UserID), jsonData, c.config.Cache.AdherenceTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set adherence cache: %w", err)
	}

	return nil
}

// Get 读取某用户的依从率统计
// 缓存不存在时第二个返回值为 false
func (c *AdherenceCache) Get(ctx context.Context, userID string) (*models.Adherence, bool, error) {
	val, err := c.redisClient.Get(ctx, c.key(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get adherence cache: %w", err)
	}

	var adherence models.Adherence
	if err := json.Unmarshal([]byte(val), &adherence); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal adherence: %w", err)
	}

	return &adherence, true, nil
}

// Invalidate 删除某用户的依从率缓存
func (c *AdherenceCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.redisClient.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate adherence cache: %w", err)
	}
	return nil
}
