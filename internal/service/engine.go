package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"artemis-health/internal/config"
	"artemis-health/internal/consumer"
	"artemis-health/internal/detector"
	"artemis-health/internal/dispatcher"
	"artemis-health/internal/escalation"
	"artemis-health/internal/ingest"
	"artemis-health/internal/insights"
	"artemis-health/internal/models"
	"artemis-health/internal/repository"
	"artemis-health/internal/scheduler"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Engine 健康监测引擎（整合各层）
type Engine struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// Repository 层
	vitalsRepo     *repository.VitalsRepository
	thresholdRepo  *repository.ThresholdRepository
	alertRepo      *repository.AlertRepository
	medicationRepo *repository.MedicationRepository
	doseRepo       *repository.DoseRepository
	scoreRepo      *repository.HealthScoreRepository
	taskRepo       *repository.NotificationRepository

	// 各层组件
	detector       *detector.Detector
	alertCache     *escalation.AlertCache
	stateMachine   *escalation.StateMachine
	dispatcher     *dispatcher.Dispatcher
	pipeline       *ingest.Pipeline
	gateway        *ingest.Gateway
	scheduler      *scheduler.Scheduler
	aggregator     *insights.Aggregator
	streamConsumer *consumer.StreamConsumer
	mqttChannel    *dispatcher.MQTTChannel
}

// NewEngine 创建健康监测引擎
func NewEngine(cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", cfg.Database.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdle)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	vitalsRepo := repository.NewVitalsRepository(db, logger)
	thresholdRepo := repository.NewThresholdRepository(db, logger)
	alertRepo := repository.NewAlertRepository(db, logger)
	medicationRepo := repository.NewMedicationRepository(db, logger)
	doseRepo := repository.NewDoseRepository(db, logger)
	scoreRepo := repository.NewHealthScoreRepository(db, logger)
	taskRepo := repository.NewNotificationRepository(db, logger)

	// 4. 创建通知分发器
	dedup := dispatcher.NewDedup(cfg, redisClient, logger)
	channels := []dispatcher.Channel{dispatcher.NewLogChannel(logger)}
	if cfg.Dispatcher.WebhookURL != "" {
		channels = append(channels, dispatcher.NewWebhookChannel(cfg.Dispatcher.WebhookURL, cfg.Dispatcher.WebhookTimeout, logger))
	}
	var mqttChannel *dispatcher.MQTTChannel
	if cfg.Dispatcher.MQTTBroker != "" {
		mqttChannel, err = dispatcher.NewMQTTChannel(cfg.Dispatcher.MQTTBroker, cfg.Dispatcher.MQTTClientID, cfg.Dispatcher.MQTTTopicPrefix, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create mqtt channel: %w", err)
		}
		channels = append(channels, mqttChannel)
	}
	disp := dispatcher.NewDispatcher(cfg, taskRepo, dedup, channels, logger)

	// 5. 创建检测与分级升级层
	det := detector.NewDetector(logger)
	alertCache := escalation.NewAlertCache(cfg, redisClient, logger)
	stateMachine := escalation.NewStateMachine(cfg, alertRepo, disp, logger)

	// 6. 创建摄入流水线与网关
	pipeline := ingest.NewPipeline(cfg, thresholdRepo, det, stateMachine, alertRepo, alertCache, logger)
	gateway := ingest.NewGateway(cfg, vitalsRepo, thresholdRepo, det, pipeline, logger)

	// 7. 创建用药调度器
	adherenceCache := scheduler.NewAdherenceCache(cfg, redisClient, logger)
	sched := scheduler.NewScheduler(cfg, medicationRepo, doseRepo, disp, adherenceCache, logger)

	// 8. 创建洞察聚合器
	textgen := insights.NewTextGenerator(cfg, logger)
	aggregator := insights.NewAggregator(cfg, vitalsRepo, thresholdRepo, alertRepo, sched, scoreRepo, textgen, logger)

	// 9. 创建 Stream 消费者
	streamConsumer := consumer.NewStreamConsumer(cfg, redisClient, gateway, sched, logger)

	return &Engine{
		config:         cfg,
		db:             db,
		redisClient:    redisClient,
		logger:         logger,
		vitalsRepo:     vitalsRepo,
		thresholdRepo:  thresholdRepo,
		alertRepo:      alertRepo,
		medicationRepo: medicationRepo,
		doseRepo:       doseRepo,
		scoreRepo:      scoreRepo,
		taskRepo:       taskRepo,
		detector:       det,
		alertCache:     alertCache,
		stateMachine:   stateMachine,
		dispatcher:     disp,
		pipeline:       pipeline,
		gateway:        gateway,
		scheduler:      sched,
		aggregator:     aggregator,
		streamConsumer: streamConsumer,
		mqttChannel:    mqttChannel,
	}, nil
}

// Start 启动引擎的后台组件
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Starting health engine")

	e.dispatcher.Start(ctx)
	e.pipeline.Start(ctx)
	e.scheduler.Start(ctx)
	e.aggregator.Start(ctx)

	if err := e.streamConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start stream consumer: %w", err)
	}

	return nil
}

// Stop 停止引擎并关闭连接
func (e *Engine) Stop() error {
	e.logger.Info("Stopping health engine")

	// ctx 已取消；等待后台组件清空
	e.streamConsumer.Wait()
	e.pipeline.Wait()
	e.dispatcher.Wait()

	if e.mqttChannel != nil {
		e.mqttChannel.Close()
	}

	if err := e.db.Close(); err != nil {
		e.logger.Error("Failed to close database", zap.Error(err))
	}
	if err := e.redisClient.Close(); err != nil {
		e.logger.Error("Failed to close redis", zap.Error(err))
	}

	return nil
}

// SubmitVitals 提交一次生命体征读数
func (e *Engine) SubmitVitals(ctx context.Context, reading *models.VitalsReading) error {
	return e.gateway.SubmitVitals(ctx, reading)
}

// CheckAnomaly 只读分级，不落库、不推进报警状态
func (e *Engine) CheckAnomaly(ctx context.Context, reading *models.VitalsReading) ([]models.Classification, error) {
	return e.gateway.CheckAnomaly(ctx, reading)
}

// SetThreshold 设置某用户某体征的阈值区间
func (e *Engine) SetThreshold(ctx context.Context, userID string, kind models.VitalKind, band models.ThresholdBand) error {
	return e.thresholdRepo.UpsertBand(ctx, userID, kind, band)
}

// GetActiveAlerts 查询某用户的活跃报警（缓存优先）
func (e *Engine) GetActiveAlerts(ctx context.Context, userID string) ([]models.AlertState, error) {
	states, hit, err := e.alertCache.GetUserAlerts(ctx, userID)
	if err != nil {
		e.logger.Warn("Failed to read alert cache, falling back to database",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	} else if hit {
		return states, nil
	}

	states, err = e.alertRepo.ListAlertStates(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := e.alertCache.UpdateUserAlerts(ctx, userID, states); err != nil {
		e.logger.Warn("Failed to refresh alert cache", zap.String("user_id", userID), zap.Error(err))
	}

	return states, nil
}

// AddMedication 创建用药计划
// frequency 为给药频率描述，如 "2x daily"、"every 8 hours"
func (e *Engine) AddMedication(ctx context.Context, userID, name, dosage, frequency string, startAt time.Time, endAt *time.Time) (*models.MedicationSchedule, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if name == "" {
		return nil, fmt.Errorf("medication name is required")
	}

	interval, err := scheduler.ParseFrequency(frequency)
	if err != nil {
		return nil, err
	}

	if startAt.IsZero() {
		startAt = time.Now().UTC()
	}
	if endAt != nil && !endAt.After(startAt) {
		return nil, fmt.Errorf("end_at must be after start_at")
	}

	schedule := &models.MedicationSchedule{
		MedicationID: uuid.New().String(),
		UserID:       userID,
		Name:         name,
		Dosage:       dosage,
		Interval:     interval,
		StartAt:      startAt,
		EndAt:        endAt,
		Status:       models.ScheduleActive,
	}

	if err := e.medicationRepo.CreateSchedule(ctx, schedule); err != nil {
		return nil, err
	}

	e.logger.Info("Medication schedule created",
		zap.String("medication_id", schedule.MedicationID),
		zap.String("user_id", userID),
		zap.String("name", name),
		zap.Duration("interval", interval),
	)

	return schedule, nil
}

// LogDose 补录一次服药
func (e *Engine) LogDose(ctx context.Context, userID, medicationID string, loggedAt time.Time) (*models.DoseEvent, error) {
	if loggedAt.IsZero() {
		loggedAt = time.Now().UTC()
	}
	return e.scheduler.LogDose(ctx, userID, medicationID, loggedAt)
}

// PauseMedication 暂停用药计划（暂停期间不再产生剂次与提醒）
// 未决剂次随暂停终态化
func (e *Engine) PauseMedication(ctx context.Context, medicationID string) error {
	return e.scheduler.PauseSchedule(ctx, medicationID)
}

// ResumeMedication 恢复已暂停的用药计划
func (e *Engine) ResumeMedication(ctx context.Context, medicationID string) error {
	return e.scheduler.ResumeSchedule(ctx, medicationID)
}

// EndMedication 结束用药计划（终态）
func (e *Engine) EndMedication(ctx context.Context, medicationID string) error {
	return e.scheduler.EndSchedule(ctx, medicationID)
}

// ListMedications 列出某用户的用药计划
func (e *Engine) ListMedications(ctx context.Context, userID string) ([]models.MedicationSchedule, error) {
	return e.medicationRepo.ListSchedulesByUser(ctx, userID)
}

// GetAdherence 查询某用户统计窗口内的依从率
func (e *Engine) GetAdherence(ctx context.Context, userID string) (*models.Adherence, error) {
	return e.scheduler.Adherence(ctx, userID)
}

// GetLatestScore 查询某用户最近一次健康评分快照
func (e *Engine) GetLatestScore(ctx context.Context, userID string) (*models.HealthScoreSnapshot, error) {
	return e.scoreRepo.GetLatest(ctx, userID)
}

// RequestInsightRefresh 立即重算某用户的洞察，不等下一个聚合周期
func (e *Engine) RequestInsightRefresh(ctx context.Context, userID string) error {
	return e.aggregator.RefreshUser(ctx, userID)
}
