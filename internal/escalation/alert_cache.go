package escalation

import (
	"context"
	"encoding/json"
	"fmt"

	"artemis-health/internal/config"
	"artemis-health/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// AlertCache 活跃报警的 Redis 缓存
// 读路径（看板、洞察）从缓存读取，容忍轻微滞后
type AlertCache struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewAlertCache 创建报警缓存
func NewAlertCache(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *AlertCache {
	return &AlertCache{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// key 构建缓存键
func (c *AlertCache) key(userID string) string {
	return fmt.Sprintf("%s%s%s",
		c.config.Cache.AlertKeyPrefix,
		userID,
		c.config.Cache.AlertSuffix,
	)
}

// UpdateUserAlerts 刷新某用户的活跃报警缓存
func (c *AlertCache) UpdateUserAlerts(ctx context.Context, userID string, states []models.AlertState) error {
	jsonData, err := json.Marshal(states)
	if err != nil {
		return fmt.Errorf("failed to marshal alert states: %w", err)
	}

	err = c.redisClient.Set(ctx, c.key(userID), jsonData, c.config.Cache.AlertTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to set alert cache: %w", err)
	}

	c.logger.Debug("Updated alert cache",
		zap.String("user_id", userID),
		zap.Int("alert_count", len(states)),
	)

	return nil
}

// GetUserAlerts 读取某用户的活跃报警缓存
// 缓存不存在返回空列表（调用方回源数据库）
func (c *AlertCache) GetUserAlerts(ctx context.Context, userID string) ([]models.AlertState, bool, error) {
	val, err := c.redisClient.Get(ctx, c.key(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get alert cache: %w", err)
	}

	var states []models.AlertState
	if err := json.Unmarshal([]byte(val), &states); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal alert states: %w", err)
	}

	return states, true, nil
}
