package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"artemis-health/internal/config"
	"artemis-health/internal/detector"
	"artemis-health/internal/escalation"
	"artemis-health/internal/models"
	"artemis-health/internal/repository"

	"go.uber.org/zap"
)

// Escalator 报警状态机接口（由 escalation.StateMachine 实现）
type Escalator interface {
	Apply(ctx context.Context, meta escalation.ReadingMeta, cls models.Classification) error
}

// AlertLister 活跃报警来源（由 repository.AlertRepository 实现）
type AlertLister interface {
	ListAlertStates(ctx context.Context, userID string) ([]models.AlertState, error)
}

// AlertCacheUpdater 报警缓存刷新（由 escalation.AlertCache 实现）
type AlertCacheUpdater interface {
	UpdateUserAlerts(ctx context.Context, userID string, states []models.AlertState) error
}

// Pipeline 按 user_id 分区的读数处理流水线
// 同一用户的读数始终落到同一分区 goroutine 串行处理，
// 报警状态机因此无需加锁
type Pipeline struct {
	config    *config.Config
	profiles  ProfileSource
	detector  *detector.Detector
	escalator Escalator
	alerts    AlertLister
	cache     AlertCacheUpdater
	logger    *zap.Logger

	partitions []chan *models.VitalsReading
	wg         sync.WaitGroup
}

// NewPipeline 创建处理流水线
// alerts 与 cache 可为 nil，此时跳过报警缓存刷新
func NewPipeline(cfg *config.Config, profiles ProfileSource, det *detector.Detector, escalator Escalator, alerts AlertLister, cache AlertCacheUpdater, logger *zap.Logger) *Pipeline {
	n := cfg.Ingest.Partitions
	if n <= 0 {
		n = 1
	}

	partitions := make([]chan *models.VitalsReading, n)
	for i := range partitions {
		partitions[i] = make(chan *models.VitalsReading, cfg.Ingest.PartitionQueue)
	}

	return &Pipeline{
		config:     cfg,
		profiles:   profiles,
		detector:   det,
		escalator:  escalator,
		alerts:     alerts,
		cache:      cache,
		logger:     logger,
		partitions: partitions,
	}
}

// Start 启动分区 worker，ctx 取消后退出
func (p *Pipeline) Start(ctx context.Context) {
	for i := range p.partitions {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	p.logger.Info("Ingest pipeline started",
		zap.Int("partitions", len(p.partitions)),
		zap.Int("partition_queue", p.config.Ingest.PartitionQueue),
	)
}

// Wait 等待全部分区 worker 退出
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// Submit 将读数提交到所属分区，队列满时阻塞（背压）
func (p *Pipeline) Submit(ctx context.Context, reading *models.VitalsReading) error {
	idx := p.partitionFor(reading.UserID)

	select {
	case p.partitions[idx] <- reading:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) partitionFor(userID string) int {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32() % uint32(len(p.partitions)))
}

func (p *Pipeline) worker(ctx context.Context, idx int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case reading := <-p.partitions[idx]:
			p.process(ctx, reading)
		}
	}
}

// process 分级并推进状态机，最后刷新报警缓存
func (p *Pipeline) process(ctx context.Context, reading *models.VitalsReading) {
	profile, err := p.profiles.GetProfile(ctx, reading.UserID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		// 阈值读取失败时退回内置安全区间，不丢读数
		p.logger.Warn("Failed to load threshold profile, using defaults",
			zap.String("user_id", reading.UserID),
			zap.Error(err),
		)
		profile = nil
	}

	meta := escalation.ReadingMeta{
		UserID:     reading.UserID,
		DeviceID:   reading.DeviceID,
		RecordedAt: reading.RecordedAt,
	}

	for _, cls := range p.detector.Classify(reading, profile) {
		if err := p.escalator.Apply(ctx, meta, cls); err != nil {
			p.logger.Error("Failed to apply classification",
				zap.String("user_id", reading.UserID),
				zap.String("vital_kind", string(cls.Kind)),
				zap.Error(err),
			)
		}
	}

	p.refreshAlertCache(ctx, reading.UserID)
}

func (p *Pipeline) refreshAlertCache(ctx context.Context, userID string) {
	if p.alerts == nil || p.cache == nil {
		return
	}

	states, err := p.alerts.ListAlertStates(ctx, userID)
	if err != nil {
		p.logger.Warn("Failed to list alert states for cache refresh",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return
	}

	if err := p.cache.UpdateUserAlerts(ctx, userID, states); err != nil {
		p.logger.Warn("Failed to refresh alert cache",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}
