package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"artemis-health/internal/config"
	"artemis-health/internal/metrics"
	"artemis-health/internal/models"

	"go.uber.org/zap"
)

// TaskStore 通知任务持久化接口（由 repository.NotificationRepository 实现）
type TaskStore interface {
	CreateTask(ctx context.Context, task *models.NotificationTask) (bool, error)
	UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, attempts int, lastError string) error
	ListPendingTasks(ctx context.Context, limit int) ([]models.NotificationTask, error)
}

// 恢复轮询间隔：重启遗留和队列溢出的 pending 任务由此重新入队
const recoverInterval = 30 * time.Second

// Dispatcher 幂等通知分发器
// 任务先落库（idempotency_key 唯一），再经 Redis 预占-提交去重投递；
// 可重试失败按指数退避重试，超过最大次数转 failed_permanent
type Dispatcher struct {
	config   *config.Config
	store    TaskStore
	dedup    *Dedup
	channels map[string]Channel
	queue    chan *models.NotificationTask
	logger   *zap.Logger

	wg    sync.WaitGroup
	sleep func(ctx context.Context, d time.Duration) // 测试中可替换
}

// NewDispatcher 创建通知分发器
func NewDispatcher(cfg *config.Config, store TaskStore, dedup *Dedup, channels []Channel, logger *zap.Logger) *Dispatcher {
	byName := make(map[string]Channel, len(channels))
	for _, c := range channels {
		byName[c.Name()] = c
	}

	return &Dispatcher{
		config:   cfg,
		store:    store,
		dedup:    dedup,
		channels: byName,
		queue:    make(chan *models.NotificationTask, cfg.Dispatcher.QueueSize),
		logger:   logger,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Start 启动 worker 池和恢复轮询，ctx 取消后退出
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.config.Dispatcher.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	d.wg.Add(1)
	go d.recoverLoop(ctx)

	d.logger.Info("Notification dispatcher started",
		zap.Int("workers", d.config.Dispatcher.Workers),
		zap.Int("queue_size", d.config.Dispatcher.QueueSize),
	)
}

// Wait 等待全部 worker 退出（ctx 取消后调用）
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Enqueue 持久化通知任务并入队
// 同一幂等键重复入队被静默忽略；队列满时任务留在 pending，
// 由恢复轮询稍后重新入队
func (d *Dispatcher) Enqueue(ctx context.Context, task *models.NotificationTask) error {
	inserted, err := d.store.CreateTask(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to persist notification task: %w", err)
	}
	if !inserted {
		metrics.NotificationsDeduped.Inc()
		d.logger.Debug("Notification task deduplicated",
			zap.String("idempotency_key", task.IdempotencyKey),
		)
		return nil
	}

	select {
	case d.queue <- task:
	default:
		d.logger.Warn("Dispatch queue full, task deferred to recovery",
			zap.String("task_id", task.TaskID),
		)
	}

	return nil
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task := <-d.queue:
			d.deliver(ctx, task)
		}
	}
}

// deliver 投递单个任务：预占幂等键，重试投递，提交或释放
func (d *Dispatcher) deliver(ctx context.Context, task *models.NotificationTask) {
	state, err := d.dedup.Reserve(ctx, task.IdempotencyKey)
	if err != nil {
		// Redis 不可用时退化为仅靠数据库唯一键去重
		d.logger.Warn("Dedup reserve failed, delivering without reservation", zap.Error(err))
		state = DedupReserved
	}

	switch state {
	case DedupDelivered:
		// 其他实例已投递：本地任务直接标记完成
		metrics.NotificationsDeduped.Inc()
		d.markStatus(ctx, task, models.TaskDelivered, task.Attempts, "")
		return
	case DedupInFlight:
		// 其他实例正在投递，留给恢复轮询
		d.logger.Debug("Notification in flight elsewhere",
			zap.String("idempotency_key", task.IdempotencyKey),
		)
		return
	}

	channel, ok := d.channels[task.Channel]
	if !ok {
		d.fail(ctx, task, task.Attempts, fmt.Sprintf("unknown channel %q", task.Channel))
		return
	}

	attempts := task.Attempts
	backoff := d.config.Dispatcher.InitialBackoff

	for attempts < d.config.Dispatcher.MaxAttempts {
		if ctx.Err() != nil {
			return
		}

		err := channel.Send(ctx, task)
		attempts++

		if err == nil {
			if err := d.dedup.Commit(ctx, task.IdempotencyKey); err != nil {
				d.logger.Warn("Failed to commit dedup key", zap.Error(err))
			}
			d.markStatus(ctx, task, models.TaskDelivered, attempts, "")
			metrics.NotificationsDelivered.WithLabelValues(channel.Name()).Inc()

			d.logger.Info("Notification delivered",
				zap.String("task_id", task.TaskID),
				zap.String("user_id", task.UserID),
				zap.String("kind", string(task.Kind)),
				zap.String("channel", channel.Name()),
				zap.Int("attempts", attempts),
			)
			return
		}

		if IsPermanent(err) {
			d.fail(ctx, task, attempts, err.Error())
			return
		}

		d.logger.Warn("Notification delivery failed, will retry",
			zap.String("task_id", task.TaskID),
			zap.String("channel", channel.Name()),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		d.markStatus(ctx, task, models.TaskPending, attempts, err.Error())

		if attempts >= d.config.Dispatcher.MaxAttempts {
			d.fail(ctx, task, attempts, err.Error())
			return
		}

		d.sleep(ctx, backoff)
		backoff *= 2
		if backoff > d.config.Dispatcher.MaxBackoff {
			backoff = d.config.Dispatcher.MaxBackoff
		}
	}

	d.fail(ctx, task, attempts, "max attempts exhausted")
}

// fail 将任务转为终态 failed_permanent 并释放幂等键预占
func (d *Dispatcher) fail(ctx context.Context, task *models.NotificationTask, attempts int, lastError string) {
	d.markStatus(ctx, task, models.TaskFailedPermanent, attempts, lastError)
	metrics.NotificationsFailed.WithLabelValues(task.Channel).Inc()

	if err := d.dedup.Release(ctx, task.IdempotencyKey); err != nil {
		d.logger.Warn("Failed to release dedup key", zap.Error(err))
	}

	d.logger.Error("Notification failed permanently",
		zap.String("task_id", task.TaskID),
		zap.String("user_id", task.UserID),
		zap.String("channel", task.Channel),
		zap.Int("attempts", attempts),
		zap.String("last_error", lastError),
	)
}

func (d *Dispatcher) markStatus(ctx context.Context, task *models.NotificationTask, status models.TaskStatus, attempts int, lastError string) {
	if err := d.store.UpdateTaskStatus(ctx, task.TaskID, status, attempts, lastError); err != nil {
		d.logger.Error("Failed to update task status",
			zap.String("task_id", task.TaskID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

// recoverLoop 周期性把 pending 任务重新入队
// 覆盖重启遗留、队列溢出和预占过期三种情况
func (d *Dispatcher) recoverLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(recoverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.recoverPending(ctx); err != nil {
				d.logger.Error("Failed to recover pending tasks", zap.Error(err))
			}
		}
	}
}

func (d *Dispatcher) recoverPending(ctx context.Context) error {
	tasks, err := d.store.ListPendingTasks(ctx, d.config.Dispatcher.QueueSize)
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}

	requeued := 0
	for i := range tasks {
		task := tasks[i]
		select {
		case d.queue <- &task:
			requeued++
		default:
			// 队列满，下一轮继续
			d.logger.Debug("Recovery stopped, queue full", zap.Int("requeued", requeued))
			return nil
		}
	}

	if requeued > 0 {
		d.logger.Info("Requeued pending notification tasks", zap.Int("count", requeued))
	}

	return nil
}
