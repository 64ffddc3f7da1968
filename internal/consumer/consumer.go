package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"artemis-health/internal/config"
	"artemis-health/internal/ingest"
	"artemis-health/internal/models"
	"artemis-health/internal/scheduler"
	"artemis-health/internal/streams"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// VitalsSink 读数入口（由 ingest.Gateway 实现）
type VitalsSink interface {
	SubmitVitals(ctx context.Context, reading *models.VitalsReading) error
}

// DoseSink 剂次补录入口（由 scheduler.Scheduler 实现）
type DoseSink interface {
	LogDose(ctx context.Context, userID, medicationID string, loggedAt time.Time) (*models.DoseEvent, error)
}

// DoseLogMessage 剂次补录消息（doses stream 的 data 字段）
type DoseLogMessage struct {
	UserID       string `json:"user_id"`
	MedicationID string `json:"medication_id"`
	LoggedAt     int64  `json:"logged_at"`
}

// StreamConsumer Redis Streams 消费者
// 消费 vitals 与 doses 两个 stream，处理成功后确认；
// 读取失败按指数退避重试
type StreamConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	vitals      VitalsSink
	doses       DoseSink
	logger      *zap.Logger

	wg sync.WaitGroup
}

// NewStreamConsumer 创建消费者
func NewStreamConsumer(cfg *config.Config, redisClient *redis.Client, vitals VitalsSink, doses DoseSink, logger *zap.Logger) *StreamConsumer {
	return &StreamConsumer{
		config:      cfg,
		redisClient: redisClient,
		vitals:      vitals,
		doses:       doses,
		logger:      logger,
	}
}

// Start 创建消费者组并启动两个消费循环，ctx 取消后退出
func (c *StreamConsumer) Start(ctx context.Context) error {
	for _, stream := range []string{c.config.Ingest.VitalsStream, c.config.Ingest.DosesStream} {
		if err := streams.CreateConsumerGroup(ctx, c.redisClient, stream, c.config.Ingest.ConsumerGroup); err != nil {
			return fmt.Errorf("failed to create consumer group: %w", err)
		}
	}

	c.wg.Add(2)
	go c.consumeLoop(ctx, c.config.Ingest.VitalsStream, c.processVitals)
	go c.consumeLoop(ctx, c.config.Ingest.DosesStream, c.processDose)

	c.logger.Info("Stream consumer started",
		zap.String("vitals_stream", c.config.Ingest.VitalsStream),
		zap.String("doses_stream", c.config.Ingest.DosesStream),
		zap.String("consumer_group", c.config.Ingest.ConsumerGroup),
		zap.String("consumer_name", c.config.Ingest.ConsumerName),
	)

	return nil
}

// Wait 等待消费循环退出
func (c *StreamConsumer) Wait() {
	c.wg.Wait()
}

// consumeLoop 单个 stream 的消费循环，读取失败按指数退避
func (c *StreamConsumer) consumeLoop(ctx context.Context, stream string, handler func(ctx context.Context, msg streams.Message) error) {
	defer c.wg.Done()

	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := c.consumeBatch(ctx, stream, handler); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("Failed to consume from stream",
					zap.String("stream", stream),
					zap.Duration("backoff", backoff),
					zap.Error(err),
				)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
				}
			} else {
				backoff = time.Second
			}
		}
	}
}

func (c *StreamConsumer) consumeBatch(ctx context.Context, stream string, handler func(ctx context.Context, msg streams.Message) error) error {
	messages, err := streams.Read(ctx, c.redisClient, stream,
		c.config.Ingest.ConsumerGroup, c.config.Ingest.ConsumerName,
		int64(c.config.Ingest.BatchSize))
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		if err := handler(ctx, msg); err != nil {
			// 不确认，留在 pending 等待重试
			c.logger.Error("Failed to process stream message",
				zap.String("stream", stream),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		if err := streams.Ack(ctx, c.redisClient, stream, c.config.Ingest.ConsumerGroup, msg.ID); err != nil {
			c.logger.Warn("Failed to ack message",
				zap.String("stream", stream),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// processVitals 处理一条读数消息
// 无法解析或校验通不过的消息重试也不会成功，确认后丢弃
func (c *StreamConsumer) processVitals(ctx context.Context, msg streams.Message) error {
	var reading models.VitalsReading
	if err := parsePayload(msg, &reading); err != nil {
		c.logger.Warn("Dropping malformed vitals message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}

	if err := c.vitals.SubmitVitals(ctx, &reading); err != nil {
		if isValidationError(err) {
			c.logger.Warn("Dropping invalid vitals reading",
				zap.String("message_id", msg.ID),
				zap.String("user_id", reading.UserID),
				zap.Error(err),
			)
			return nil
		}
		return err
	}

	return nil
}

// processDose 处理一条剂次补录消息
func (c *StreamConsumer) processDose(ctx context.Context, msg streams.Message) error {
	var doseLog DoseLogMessage
	if err := parsePayload(msg, &doseLog); err != nil {
		c.logger.Warn("Dropping malformed dose message",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		return nil
	}

	loggedAt := time.Unix(doseLog.LoggedAt, 0).UTC()
	if doseLog.LoggedAt == 0 {
		loggedAt = time.Now().UTC()
	}

	_, err := c.doses.LogDose(ctx, doseLog.UserID, doseLog.MedicationID, loggedAt)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoMatchingDose) {
			// 没有可匹配的剂次，重试无意义
			c.logger.Warn("Dose log matched no pending dose",
				zap.String("user_id", doseLog.UserID),
				zap.String("medication_id", doseLog.MedicationID),
				zap.Time("logged_at", loggedAt),
			)
			return nil
		}
		return err
	}

	return nil
}

// parsePayload 从消息的 data 字段解析 JSON 负载
func parsePayload(msg streams.Message, out interface{}) error {
	dataStr, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("message missing data field")
	}

	if err := json.Unmarshal([]byte(dataStr), out); err != nil {
		return fmt.Errorf("failed to unmarshal message payload: %w", err)
	}

	return nil
}

// isValidationError 区分校验失败（不可重试）与基础设施错误（可重试）
func isValidationError(err error) bool {
	return errors.Is(err, ingest.ErrInvalidReading)
}
