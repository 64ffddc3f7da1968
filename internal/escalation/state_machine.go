package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"artemis-health/internal/config"
	"artemis-health/internal/metrics"
	"artemis-health/internal/models"
	"artemis-health/internal/repository"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AlertStore 报警状态持久化接口（由 repository.AlertRepository 实现）
type AlertStore interface {
	GetAlertState(ctx context.Context, userID string, kind models.VitalKind) (*models.AlertState, error)
	UpsertAlertState(ctx context.Context, state *models.AlertState) error
	DeleteAlertState(ctx context.Context, userID string, kind models.VitalKind) error
	CreateAlertEvent(ctx context.Context, event *models.AlertEvent) error
}

// Notifier 通知出口（由 dispatcher.Dispatcher 实现）
type Notifier interface {
	Enqueue(ctx context.Context, task *models.NotificationTask) error
}

// ReadingMeta 触发本次评估的读数元信息
type ReadingMeta struct {
	UserID     string
	DeviceID   string
	RecordedAt time.Time
}

// StateMachine 分级升级状态机
// 每个 (user_id, vital_kind) 一个逻辑状态机；所有状态变更必须在该用户的
// 分区 goroutine 上串行执行，状态机自身不加锁
type StateMachine struct {
	config   *config.Config
	store    AlertStore
	notifier Notifier
	logger   *zap.Logger

	now func() time.Time // 测试中可替换
}

// NewStateMachine 创建分级升级状态机
func NewStateMachine(cfg *config.Config, store AlertStore, notifier Notifier, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		config:   cfg,
		store:    store,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Apply 将一次分级结果应用到 (user_id, vital_kind) 的状态机
// 状态转换与通知入队都落库成功才算完成；失败返回错误，状态不前进
func (m *StateMachine) Apply(ctx context.Context, meta ReadingMeta, cls models.Classification) error {
	state, err := m.store.GetAlertState(ctx, meta.UserID, cls.Kind)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to load alert state: %w", err)
		}
		state = nil
	}

	if state == nil {
		if cls.Tier == models.TierNormal {
			// normal 且无活跃报警：无事发生
			return nil
		}
		return m.raise(ctx, meta, cls)
	}

	if cls.Tier == models.TierNormal {
		return m.applyNormal(ctx, meta, cls, state)
	}

	return m.applyAbnormal(ctx, meta, cls, state)
}

// raise 首次进入非 normal 分级：创建状态并通知
func (m *StateMachine) raise(ctx context.Context, meta ReadingMeta, cls models.Classification) error {
	now := m.now()
	state := &models.AlertState{
		UserID:           meta.UserID,
		VitalKind:        cls.Kind,
		Tier:             cls.Tier,
		TierEnteredAt:    now,
		LastNotifiedAt:   &now,
		LastNotifiedTier: cls.Tier,
	}

	if err := m.store.UpsertAlertState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist alert state: %w", err)
	}
	if err := m.journal(ctx, meta, cls, models.TransitionRaised, state); err != nil {
		return err
	}
	if err := m.notify(ctx, meta, cls, models.NotifyAlertRaised); err != nil {
		return err
	}

	metrics.AlertTransitions.WithLabelValues(string(models.TransitionRaised)).Inc()
	metrics.ActiveAlerts.WithLabelValues(string(cls.Tier)).Inc()

	m.logger.Info("Alert raised",
		zap.String("user_id", meta.UserID),
		zap.String("vital_kind", string(cls.Kind)),
		zap.String("tier", string(cls.Tier)),
		zap.Float64("value", cls.Value),
	)

	return nil
}

// applyNormal 活跃报警收到 normal 分级：进入/推进清除确认
func (m *StateMachine) applyNormal(ctx context.Context, meta ReadingMeta, cls models.Classification, state *models.AlertState) error {
	now := m.now()

	state.NormalStreak++
	if state.ClearingSince == nil {
		clearingSince := now
		state.ClearingSince = &clearingSince
		// 首个 normal 读数：记录进入清除确认
		if err := m.journal(ctx, meta, cls, models.TransitionClearing, state); err != nil {
			return err
		}
		metrics.AlertTransitions.WithLabelValues(string(models.TransitionClearing)).Inc()
	}

	cleared := state.NormalStreak >= m.config.Escalation.ClearThreshold
	if cleared && m.config.Escalation.ClearDelay > 0 {
		cleared = now.Sub(*state.ClearingSince) >= m.config.Escalation.ClearDelay
	}

	if !cleared {
		if err := m.store.UpsertAlertState(ctx, state); err != nil {
			return fmt.Errorf("failed to persist alert state: %w", err)
		}
		return nil
	}

	// 清除确认通过：销毁状态，发送 resolved 通知
	if err := m.store.DeleteAlertState(ctx, meta.UserID, cls.Kind); err != nil {
		return fmt.Errorf("failed to delete alert state: %w", err)
	}
	if err := m.journal(ctx, meta, cls, models.TransitionResolved, state); err != nil {
		return err
	}
	if err := m.notify(ctx, meta, cls, models.NotifyAlertResolved); err != nil {
		return err
	}

	metrics.AlertTransitions.WithLabelValues(string(models.TransitionResolved)).Inc()
	metrics.ActiveAlerts.WithLabelValues(string(state.Tier)).Dec()

	m.logger.Info("Alert resolved",
		zap.String("user_id", meta.UserID),
		zap.String("vital_kind", string(cls.Kind)),
		zap.Int("normal_streak", state.NormalStreak),
	)

	return nil
}

// applyAbnormal 活跃报警收到非 normal 分级：升级/降级/复发/重复通知判断
func (m *StateMachine) applyAbnormal(ctx context.Context, meta ReadingMeta, cls models.Classification, state *models.AlertState) error {
	now := m.now()
	wasClearing := state.ClearingSince != nil
	prevTier := state.Tier

	state.NormalStreak = 0
	state.ClearingSince = nil

	if cls.Tier != prevTier {
		state.Tier = cls.Tier
		state.TierEnteredAt = now

		if cls.Tier.Severity() > prevTier.Severity() {
			// 严格恶化：通知，除非该级别在重复通知间隔内已经通知过
			// （warning/critical 之间震荡时不重复轰炸同级通知）
			shouldNotify := state.LastNotifiedTier != cls.Tier ||
				state.LastNotifiedAt == nil ||
				now.Sub(*state.LastNotifiedAt) >= m.config.Escalation.RenotifyInterval
			if shouldNotify {
				state.LastNotifiedAt = &now
				state.LastNotifiedTier = cls.Tier
			}
			if err := m.store.UpsertAlertState(ctx, state); err != nil {
				return fmt.Errorf("failed to persist alert state: %w", err)
			}
			if err := m.journal(ctx, meta, cls, models.TransitionEscalated, state); err != nil {
				return err
			}
			if shouldNotify {
				if err := m.notify(ctx, meta, cls, models.NotifyAlertEscalated); err != nil {
					return err
				}
			}
			metrics.AlertTransitions.WithLabelValues(string(models.TransitionEscalated)).Inc()
			metrics.ActiveAlerts.WithLabelValues(string(prevTier)).Dec()
			metrics.ActiveAlerts.WithLabelValues(string(cls.Tier)).Inc()

			m.logger.Info("Alert escalated",
				zap.String("user_id", meta.UserID),
				zap.String("vital_kind", string(cls.Kind)),
				zap.String("from_tier", string(prevTier)),
				zap.String("to_tier", string(cls.Tier)),
			)
			return nil
		}

		// 降级（critical → warning）：记录转换，按重复通知间隔决定是否通知
		if err := m.persistWithRenotify(ctx, meta, cls, state, now); err != nil {
			return err
		}
		if err := m.journal(ctx, meta, cls, models.TransitionDemoted, state); err != nil {
			return err
		}
		metrics.AlertTransitions.WithLabelValues(string(models.TransitionDemoted)).Inc()
		metrics.ActiveAlerts.WithLabelValues(string(prevTier)).Dec()
		metrics.ActiveAlerts.WithLabelValues(string(cls.Tier)).Inc()
		return nil
	}

	// 同级复发或持续
	if wasClearing {
		// 清除确认被打断：重新拉起，但重复通知间隔内不再发通知
		if err := m.persistWithRenotify(ctx, meta, cls, state, now); err != nil {
			return err
		}
		if err := m.journal(ctx, meta, cls, models.TransitionReraised, state); err != nil {
			return err
		}
		metrics.AlertTransitions.WithLabelValues(string(models.TransitionReraised)).Inc()
		return nil
	}

	return m.persistWithRenotify(ctx, meta, cls, state, now)
}

// persistWithRenotify 持久化状态；同级持续超过重复通知间隔时再次通知
// 保证持续的 critical 状况在每个重复通知间隔内至少通知一次
func (m *StateMachine) persistWithRenotify(ctx context.Context, meta ReadingMeta, cls models.Classification, state *models.AlertState, now time.Time) error {
	shouldRenotify := state.LastNotifiedAt == nil ||
		now.Sub(*state.LastNotifiedAt) >= m.config.Escalation.RenotifyInterval

	if shouldRenotify {
		state.LastNotifiedAt = &now
		state.LastNotifiedTier = cls.Tier
	}

	if err := m.store.UpsertAlertState(ctx, state); err != nil {
		return fmt.Errorf("failed to persist alert state: %w", err)
	}

	if shouldRenotify {
		if err := m.notify(ctx, meta, cls, models.NotifyAlertRenotify); err != nil {
			return err
		}
		m.logger.Info("Alert renotified",
			zap.String("user_id", meta.UserID),
			zap.String("vital_kind", string(cls.Kind)),
			zap.String("tier", string(cls.Tier)),
		)
	}

	return nil
}

// journal 追加写报警生命周期事件
func (m *StateMachine) journal(ctx context.Context, meta ReadingMeta, cls models.Classification, transition models.AlertTransition, state *models.AlertState) error {
	trigger := models.AlertTriggerData{
		Value:        cls.Value,
		DeviceID:     meta.DeviceID,
		RecordedAt:   meta.RecordedAt.Unix(),
		NormalStreak: state.NormalStreak,
	}
	triggerJSON, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger data: %w", err)
	}

	event := &models.AlertEvent{
		EventID:     uuid.New().String(),
		UserID:      meta.UserID,
		VitalKind:   cls.Kind,
		Transition:  transition,
		Tier:        cls.Tier,
		Value:       cls.Value,
		TriggerData: string(triggerJSON),
	}

	if err := m.store.CreateAlertEvent(ctx, event); err != nil {
		return fmt.Errorf("failed to journal alert event: %w", err)
	}

	return nil
}

// notify 构建通知任务并入队
// 幂等键由读数身份 + 通知类型派生：同一读数重复投递不会产生重复通知
func (m *StateMachine) notify(ctx context.Context, meta ReadingMeta, cls models.Classification, kind models.NotificationKind) error {
	payload := models.NotificationPayload{
		UserID:    meta.UserID,
		Kind:      string(kind),
		Title:     notificationTitle(kind, cls),
		Message:   notificationMessage(kind, cls),
		VitalKind: string(cls.Kind),
		Tier:      string(cls.Tier),
		Value:     cls.Value,
		Timestamp: m.now().Unix(),
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification payload: %w", err)
	}

	task := &models.NotificationTask{
		TaskID: uuid.New().String(),
		IdempotencyKey: fmt.Sprintf("alert:%s:%s:%s:%d",
			meta.UserID, cls.Kind, kind, meta.RecordedAt.Unix()),
		UserID:  meta.UserID,
		Channel: m.config.Dispatcher.DefaultChannel,
		Kind:    kind,
		Payload: string(payloadJSON),
		Status:  models.TaskPending,
	}

	if err := m.notifier.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue notification: %w", err)
	}

	return nil
}

func notificationTitle(kind models.NotificationKind, cls models.Classification) string {
	switch kind {
	case models.NotifyAlertResolved:
		return fmt.Sprintf("Resolved: %s back to normal", cls.Kind)
	case models.NotifyAlertEscalated:
		return fmt.Sprintf("Escalated: %s is now %s", cls.Kind, cls.Tier)
	default:
		return fmt.Sprintf("Health alert: %s is %s", cls.Kind, cls.Tier)
	}
}

func notificationMessage(kind models.NotificationKind, cls models.Classification) string {
	if kind == models.NotifyAlertResolved {
		return fmt.Sprintf("%s returned to the normal range (latest value %.1f).", cls.Kind, cls.Value)
	}
	return fmt.Sprintf("%s reading %.1f classified as %s.", cls.Kind, cls.Value, cls.Tier)
}
