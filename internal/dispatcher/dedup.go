package dispatcher

import (
	"context"
	"fmt"
	"time"

	"artemis-health/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DedupState 幂等键的当前状态
type DedupState int

const (
	// DedupReserved 本实例成功预占，可以投递
	DedupReserved DedupState = iota
	// DedupInFlight 其他实例正在投递
	DedupInFlight
	// DedupDelivered 已投递成功
	DedupDelivered
)

// 预占保留时间：持有者崩溃后其他实例在此之后可重新预占
const reserveTTL = 2 * time.Minute

// Dedup 基于 Redis SetNX 的跨实例幂等去重
// 投递前预占（reserved），投递成功后提交（delivered，保留 DedupTTL）
type Dedup struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewDedup 创建去重器
func NewDedup(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *Dedup {
	return &Dedup{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

func (d *Dedup) key(idempotencyKey string) string {
	return d.config.Cache.DedupKeyPrefix + idempotencyKey
}

// Reserve 尝试预占幂等键
func (d *Dedup) Reserve(ctx context.Context, idempotencyKey string) (DedupState, error) {
	ok, err := d.redisClient.SetNX(ctx, d.key(idempotencyKey), "reserved", reserveTTL).Result()
	if err != nil {
		return DedupInFlight, fmt.Errorf("failed to reserve dedup key: %w", err)
	}
	if ok {
		return DedupReserved, nil
	}

	val, err := d.redisClient.Get(ctx, d.key(idempotencyKey)).Result()
	if err != nil {
		if err == redis.Nil {
			// 预占在查询前过期，下一轮重试
			return DedupInFlight, nil
		}
		return DedupInFlight, fmt.Errorf("failed to inspect dedup key: %w", err)
	}

	if val == "delivered" {
		return DedupDelivered, nil
	}
	return DedupInFlight, nil
}

// Commit 投递成功后将幂等键标记为已投递，保留 DedupTTL
func (d *Dedup) Commit(ctx context.Context, idempotencyKey string) error {
	err := d.redisClient.Set(ctx, d.key(idempotencyKey), "delivered", d.config.Dispatcher.DedupTTL).Err()
	if err != nil {
		return fmt.Errorf("failed to commit dedup key: %w", err)
	}
	return nil
}

// Release 投递失败后释放预占，允许重试重新预占
func (d *Dedup) Release(ctx context.Context, idempotencyKey string) error {
	if err := d.redisClient.Del(ctx, d.key(idempotencyKey)).Err(); err != nil {
		return fmt.Errorf("failed to release dedup key: %w", err)
	}
	return nil
}
