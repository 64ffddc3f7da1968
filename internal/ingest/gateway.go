package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"artemis-health/internal/config"
	"artemis-health/internal/detector"
	"artemis-health/internal/metrics"
	"artemis-health/internal/models"
	"artemis-health/internal/repository"

	"go.uber.org/zap"
)

// ErrInvalidReading 读数校验失败（重试不会成功）
var ErrInvalidReading = errors.New("invalid reading")

// ErrClockSkew 读数时间戳超出允许偏移
var ErrClockSkew = fmt.Errorf("%w: timestamp outside allowed clock skew", ErrInvalidReading)

// ReadingStore 读数持久化接口（由 repository.VitalsRepository 实现）
type ReadingStore interface {
	InsertReading(ctx context.Context, reading *models.VitalsReading) (bool, error)
}

// ProfileSource 阈值配置来源（由 repository.ThresholdRepository 实现）
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (*models.ThresholdProfile, error)
}

// Gateway 生命体征摄入网关
// 校验、归一化、幂等落库，然后按 user_id 分区交给串行处理流水线
type Gateway struct {
	config   *config.Config
	store    ReadingStore
	profiles ProfileSource
	detector *detector.Detector
	pipeline *Pipeline
	logger   *zap.Logger

	now func() time.Time // 测试中可替换
}

// NewGateway 创建摄入网关
func NewGateway(cfg *config.Config, store ReadingStore, profiles ProfileSource, det *detector.Detector, pipeline *Pipeline, logger *zap.Logger) *Gateway {
	return &Gateway{
		config:   cfg,
		store:    store,
		profiles: profiles,
		detector: det,
		pipeline: pipeline,
		logger:   logger,
		now:      time.Now,
	}
}

// SubmitVitals 提交一次生命体征读数
// 重复提交（相同 user_id/device_id/recorded_at）幂等接受但不重复处理
func (g *Gateway) SubmitVitals(ctx context.Context, reading *models.VitalsReading) error {
	if err := g.validate(reading); err != nil {
		metrics.ReadingsIngested.WithLabelValues("rejected").Inc()
		return err
	}

	inserted, err := g.store.InsertReading(ctx, reading)
	if err != nil {
		metrics.ReadingsIngested.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to persist reading: %w", err)
	}
	if !inserted {
		// 重复投递：已处理过，直接确认
		metrics.ReadingsIngested.WithLabelValues("duplicate").Inc()
		g.logger.Debug("Duplicate reading ignored",
			zap.String("user_id", reading.UserID),
			zap.String("device_id", reading.DeviceID),
			zap.Time("recorded_at", reading.RecordedAt),
		)
		return nil
	}

	metrics.ReadingsIngested.WithLabelValues("accepted").Inc()

	if err := g.pipeline.Submit(ctx, reading); err != nil {
		return fmt.Errorf("failed to submit reading to pipeline: %w", err)
	}

	return nil
}

// CheckAnomaly 只读分级：不落库、不推进报警状态机
func (g *Gateway) CheckAnomaly(ctx context.Context, reading *models.VitalsReading) ([]models.Classification, error) {
	if err := g.validate(reading); err != nil {
		return nil, err
	}

	profile, err := g.loadProfile(ctx, reading.UserID)
	if err != nil {
		return nil, err
	}

	return g.detector.Classify(reading, profile), nil
}

// validate 校验并归一化读数
func (g *Gateway) validate(reading *models.VitalsReading) error {
	if reading.UserID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidReading)
	}
	if len(reading.Vitals) == 0 {
		return fmt.Errorf("%w: at least one vital value is required", ErrInvalidReading)
	}

	now := g.now()
	if reading.RecordedAt.IsZero() {
		reading.RecordedAt = now
	}

	skew := g.config.Ingest.MaxClockSkew
	if reading.RecordedAt.After(now.Add(skew)) || reading.RecordedAt.Before(now.Add(-skew)) {
		return fmt.Errorf("%w: recorded_at %s", ErrClockSkew, reading.RecordedAt.Format(time.RFC3339))
	}

	if reading.DeviceID == "" {
		reading.DeviceID = "manual"
	}

	return nil
}

func (g *Gateway) loadProfile(ctx context.Context, userID string) (*models.ThresholdProfile, error) {
	profile, err := g.profiles.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load threshold profile: %w", err)
	}
	return profile, nil
}
