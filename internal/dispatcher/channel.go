package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"artemis-health/internal/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// PermanentError 不可重试的投递失败（如收件地址非法、4xx 响应）
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent 判断投递错误是否不可重试
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// Channel 通知渠道
// 返回 nil 表示投递成功；PermanentError 表示不可重试；其他错误可重试
type Channel interface {
	Name() string
	Send(ctx context.Context, task *models.NotificationTask) error
}

// LogChannel 日志渠道：把通知写到结构化日志，开发和降级时使用
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel 创建日志渠道
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string {
	return "log"
}

func (c *LogChannel) Send(ctx context.Context, task *models.NotificationTask) error {
	c.logger.Info("Notification delivered",
		zap.String("task_id", task.TaskID),
		zap.String("user_id", task.UserID),
		zap.String("kind", string(task.Kind)),
		zap.String("payload", task.Payload),
	)
	return nil
}

// WebhookChannel HTTP 回调渠道
type WebhookChannel struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewWebhookChannel 创建 HTTP 回调渠道
func NewWebhookChannel(url string, timeout time.Duration, logger *zap.Logger) *WebhookChannel {
	client := resty.New().
		SetBaseURL(url).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookChannel{
		httpClient: client,
		logger:     logger,
	}
}

func (c *WebhookChannel) Name() string {
	return "webhook"
}

func (c *WebhookChannel) Send(ctx context.Context, task *models.NotificationTask) error {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(task.Payload).
		Post("")
	if err != nil {
		return fmt.Errorf("failed to call webhook: %w", err)
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 400 && status < 500:
		// 请求本身有问题，重试不会成功
		return &PermanentError{Err: fmt.Errorf("webhook rejected notification: status %d", status)}
	default:
		return fmt.Errorf("webhook returned status %d", status)
	}
}

// MQTTChannel MQTT 渠道：发布到每用户主题，供客户端订阅
type MQTTChannel struct {
	client      mqtt.Client
	topicPrefix string
	logger      *zap.Logger
}

// NewMQTTChannel 创建 MQTT 渠道
func NewMQTTChannel(broker, clientID, topicPrefix string, logger *zap.Logger) (*MQTTChannel, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &MQTTChannel{
		client:      client,
		topicPrefix: topicPrefix,
		logger:      logger,
	}, nil
}

func (c *MQTTChannel) Name() string {
	return "mqtt"
}

func (c *MQTTChannel) Send(ctx context.Context, task *models.NotificationTask) error {
	topic := fmt.Sprintf("%s/%s/notifications", c.topicPrefix, task.UserID)

	token := c.client.Publish(topic, 1, false, []byte(task.Payload))
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	return nil
}

// Close 断开 MQTT 连接
func (c *MQTTChannel) Close() {
	c.client.Disconnect(250)
}
