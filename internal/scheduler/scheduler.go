package scheduler

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

// ErrNoMatchingDose 补录时间落在任何 pending 剂次的宽限窗口之外
var ErrNoMatchingDose = errors.New("no matching pending dose")

// 单次轮询每个计划最多补建的剂次数，防止长期停机后的回填失控
const maxDosesPerTick = 64

// ScheduleStore 用药计划持久化接口（由 repository.MedicationRepository 实现）
type ScheduleStore interface {
	ListActiveSchedules(ctx context.Context) ([]models.MedicationSchedule, error)
	GetSchedule(ctx context.Context, medicationID string) (*models.MedicationSchedule, error)
	UpdateScheduleStatus(ctx context.Context, medicationID string, status models.ScheduleStatus) error
}

// DoseStore 剂次事件持久化接口（由 repository.DoseRepository 实现）
type DoseStore interface {
	CreateDoseEvent(ctx context.Context, medicationID string, scheduledAt time.Time) error
	GetOpenDose(ctx context.Context, medicationID string, loggedAt time.Time, grace time.Duration) (*models.DoseEvent, error)
	MarkTaken(ctx context.Context, medicationID string, scheduledAt, loggedAt time.Time) error
	MarkMissed(ctx context.Context, medicationID string, scheduledAt time.Time) error
	MarkPendingMissedBefore(ctx context.Context, medicationID string, before time.Time) (int, error)
	DeletePendingAfter(ctx context.Context, medicationID string, after time.Time) (int, error)
	ListPendingDue(ctx context.Context, medicationID string, before time.Time) ([]models.DoseEvent, error)
	LatestScheduledAt(ctx context.Context, medicationID string) (time.Time, error)
	CountOutcomes(ctx context.Context, userID string, since time.Time) (taken int, missed int, err error)
}

// Notifier 通知出口（由 dispatcher.Dispatcher 实现）
type Notifier interface {
	Enqueue(ctx context.Context, task *models.NotificationTask) error
}

// Scheduler 用药调度器
// 轮询活跃计划：补建预期剂次、发送提前提醒、标记超期剂次为 missed、
// 结束到期的计划
type Scheduler struct {
	config    *config.Config
	schedules ScheduleStore
	doses     DoseStore
	notifier  Notifier
	cache     *AdherenceCache
	logger    *zap.Logger

	now func() time.Time // 测试中可替换
}

// NewScheduler 创建用药调度器
// cache 可为 nil，此时依从率每次查询都重新计算
func NewScheduler(cfg *config.Config, schedules ScheduleStore, doses DoseStore, notifier Notifier, cache *AdherenceCache, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		config:    cfg,
		schedules: schedules,
		doses:     doses,
		notifier:  notifier,
		cache:     cache,
		logger:    logger,
		now:       time.Now,
	}
}

// Start 启动调度循环，ctx 取消后退出
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Scheduler.TickInterval)
	defer ticker.Stop()

	s.logger.Info("Medication scheduler started",
		zap.Duration("tick_interval", s.config.Scheduler.TickInterval),
		zap.Duration("reminder_lead", s.config.Scheduler.ReminderLead),
		zap.Duration("grace_window", s.config.Scheduler.GraceWindow),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Medication scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("Scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick 执行一轮调度
func (s *Scheduler) Tick(ctx context.Context) error {
	schedules, err := s.schedules.ListActiveSchedules(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active schedules: %w", err)
	}

	now := s.now()
	for i := range schedules {
		if err := s.advance(ctx, &schedules[i], now); err != nil {
			// 单个计划失败不阻塞其余计划
			s.logger.Error("Failed to advance schedule",
				zap.String("medication_id", schedules[i].MedicationID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// advance 推进单个计划：补建剂次、提醒、超期判定、到期结束
func (s *Scheduler) advance(ctx context.Context, schedule *models.MedicationSchedule, now time.Time) error {
	if schedule.Interval <= 0 {
		s.logger.Warn("Schedule has non-positive interval, skipping",
			zap.String("medication_id", schedule.MedicationID),
		)
		return nil
	}

	if err := s.ensureDoses(ctx, schedule, now); err != nil {
		return err
	}
	if err := s.sweepDue(ctx, schedule, now); err != nil {
		return err
	}

	// 结束时间过了宽限窗口：所有剂次都已终态化，计划可以关闭
	if schedule.EndAt != nil && !now.Before(schedule.EndAt.Add(s.config.Scheduler.GraceWindow)) {
		if err := s.schedules.UpdateScheduleStatus(ctx, schedule.MedicationID, models.ScheduleEnded); err != nil {
			return fmt.Errorf("failed to end schedule: %w", err)
		}
		s.logger.Info("Medication schedule ended",
			zap.String("medication_id", schedule.MedicationID),
			zap.String("user_id", schedule.UserID),
		)
	}

	return nil
}

// ensureDoses 从最后一个已建剂次向前补建，保证存在下一个未来剂次
func (s *Scheduler) ensureDoses(ctx context.Context, schedule *models.MedicationSchedule, now time.Time) error {
	latest, err := s.doses.LatestScheduledAt(ctx, schedule.MedicationID)

	var candidate time.Time
	switch {
	case errors.Is(err, repository.ErrNotFound):
		candidate = schedule.StartAt
	case err != nil:
		return fmt.Errorf("failed to get latest dose: %w", err)
	default:
		candidate = latest.Add(schedule.Interval)
	}

	horizon := now.Add(schedule.Interval)
	created := 0
	for !candidate.After(horizon) && created < maxDosesPerTick {
		if schedule.EndAt != nil && candidate.After(*schedule.EndAt) {
			break
		}
		if err := s.doses.CreateDoseEvent(ctx, schedule.MedicationID, candidate); err != nil {
			return fmt.Errorf("failed to create dose event: %w", err)
		}
		candidate = candidate.Add(schedule.Interval)
		created++
	}

	if created > 0 {
		s.logger.Debug("Created dose events",
			zap.String("medication_id", schedule.MedicationID),
			zap.Int("count", created),
		)
	}

	return nil
}

// sweepDue 处理到期的 pending 剂次：超过宽限窗口的标记 missed，
// 进入提醒窗口的发送提醒
func (s *Scheduler) sweepDue(ctx context.Context, schedule *models.MedicationSchedule, now time.Time) error {
	pending, err := s.doses.ListPendingDue(ctx, schedule.MedicationID, now.Add(s.config.Scheduler.ReminderLead))
	if err != nil {
		return fmt.Errorf("failed to list pending doses: %w", err)
	}

	for _, dose := range pending {
		if now.After(dose.ScheduledAt.Add(s.config.Scheduler.GraceWindow)) {
			if err := s.doses.MarkMissed(ctx, schedule.MedicationID, dose.ScheduledAt); err != nil {
				return fmt.Errorf("failed to mark dose missed: %w", err)
			}
			metrics.DoseOutcomes.WithLabelValues(string(models.DoseMissed)).Inc()
			s.invalidateAdherence(ctx, schedule.UserID)

			s.logger.Info("Dose marked missed",
				zap.String("medication_id", schedule.MedicationID),
				zap.String("user_id", schedule.UserID),
				zap.Time("scheduled_at", dose.ScheduledAt),
			)
			continue
		}

		if !now.Before(dose.ScheduledAt.Add(-s.config.Scheduler.ReminderLead)) {
			if err := s.remind(ctx, schedule, dose); err != nil {
				return err
			}
		}
	}

	return nil
}

// remind 为即将到期的剂次入队提醒任务
// 幂等键由剂次身份派生，跨轮询重复入队由分发器去重
func (s *Scheduler) remind(ctx context.Context, schedule *models.MedicationSchedule, dose models.DoseEvent) error {
	payload := models.NotificationPayload{
		UserID:         schedule.UserID,
		Kind:           string(models.NotifyDoseReminder),
		Title:          fmt.Sprintf("Time for %s", schedule.Name),
		Message:        fmt.Sprintf("Take %s of %s, scheduled at %s.", schedule.Dosage, schedule.Name, dose.ScheduledAt.Format(time.Kitchen)),
		MedicationID:   schedule.MedicationID,
		MedicationName: schedule.Name,
		Dosage:         schedule.Dosage,
		ScheduledAt:    dose.ScheduledAt.Unix(),
		Timestamp:      s.now().Unix(),
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal reminder payload: %w", err)
	}

	task := &models.NotificationTask{
		TaskID: uuid.New().String(),
		IdempotencyKey: fmt.Sprintf("dose:%s:%d",
			schedule.MedicationID, dose.ScheduledAt.Unix()),
		UserID:  schedule.UserID,
		Channel: s.config.Dispatcher.DefaultChannel,
		Kind:    models.NotifyDoseReminder,
		Payload: string(payloadJSON),
		Status:  models.TaskPending,
	}

	if err := s.notifier.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue dose reminder: %w", err)
	}

	return nil
}

// PauseSchedule 暂停计划并终态化其剂次
// 已到期的 pending 剂次标记 missed，未来的 pending 剂次删除（不再预期）
func (s *Scheduler) PauseSchedule(ctx context.Context, medicationID string) error {
	return s.suspend(ctx, medicationID, models.SchedulePaused)
}

// EndSchedule 结束计划并终态化其剂次
func (s *Scheduler) EndSchedule(ctx context.Context, medicationID string) error {
	return s.suspend(ctx, medicationID, models.ScheduleEnded)
}

func (s *Scheduler) suspend(ctx context.Context, medicationID string, status models.ScheduleStatus) error {
	schedule, err := s.schedules.GetSchedule(ctx, medicationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to get medication schedule: %w", err)
	}

	if err := s.schedules.UpdateScheduleStatus(ctx, medicationID, status); err != nil {
		return fmt.Errorf("failed to update schedule status: %w", err)
	}

	// 轮询只覆盖 active 计划，pending 剂次必须在这里终态化
	now := s.now()
	missed, err := s.doses.MarkPendingMissedBefore(ctx, medicationID, now)
	if err != nil {
		return fmt.Errorf("failed to finalize pending doses: %w", err)
	}
	dropped, err := s.doses.DeletePendingAfter(ctx, medicationID, now)
	if err != nil {
		return fmt.Errorf("failed to drop future doses: %w", err)
	}

	if missed > 0 {
		metrics.DoseOutcomes.WithLabelValues(string(models.DoseMissed)).Add(float64(missed))
		s.invalidateAdherence(ctx, schedule.UserID)
	}

	s.logger.Info("Medication schedule suspended",
		zap.String("medication_id", medicationID),
		zap.String("user_id", schedule.UserID),
		zap.String("status", string(status)),
		zap.Int("doses_missed", missed),
		zap.Int("doses_dropped", dropped),
	)

	return nil
}

// ResumeSchedule 恢复暂停的计划
// 在原给药时间网格上预建下一个仍可服用的剂次，
// 避免 ensureDoses 回填暂停期间从未预期过的历史剂次
func (s *Scheduler) ResumeSchedule(ctx context.Context, medicationID string) error {
	schedule, err := s.schedules.GetSchedule(ctx, medicationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to get medication schedule: %w", err)
	}

	if err := s.schedules.UpdateScheduleStatus(ctx, medicationID, models.ScheduleActive); err != nil {
		return fmt.Errorf("failed to update schedule status: %w", err)
	}

	if schedule.Interval > 0 {
		next := s.nextOnGrid(schedule, s.now())
		if schedule.EndAt == nil || !next.After(*schedule.EndAt) {
			if err := s.doses.CreateDoseEvent(ctx, medicationID, next); err != nil {
				return fmt.Errorf("failed to seed next dose: %w", err)
			}
		}
	}

	s.logger.Info("Medication schedule resumed",
		zap.String("medication_id", medicationID),
		zap.String("user_id", schedule.UserID),
	)

	return nil
}

// nextOnGrid 返回给药时间网格（start_at + k*interval）上第一个
// 仍在宽限窗口内的时间点
func (s *Scheduler) nextOnGrid(schedule *models.MedicationSchedule, now time.Time) time.Time {
	cutoff := now.Add(-s.config.Scheduler.GraceWindow)
	next := schedule.StartAt
	if cutoff.After(next) {
		steps := cutoff.Sub(schedule.StartAt) / schedule.Interval
		next = schedule.StartAt.Add(steps * schedule.Interval)
		if next.Before(cutoff) {
			next = next.Add(schedule.Interval)
		}
	}
	return next
}

// LogDose 补录一次服药
// 匹配宽限窗口（±grace）内最早的 pending 剂次并标记 taken；
// 没有匹配返回 ErrNoMatchingDose
func (s *Scheduler) LogDose(ctx context.Context, userID, medicationID string, loggedAt time.Time) (*models.DoseEvent, error) {
	schedule, err := s.schedules.GetSchedule(ctx, medicationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get medication schedule: %w", err)
	}
	if schedule.UserID != userID {
		return nil, fmt.Errorf("medication %s does not belong to user %s", medicationID, userID)
	}

	dose, err := s.doses.GetOpenDose(ctx, medicationID, loggedAt, s.config.Scheduler.GraceWindow)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNoMatchingDose
		}
		return nil, fmt.Errorf("failed to find open dose: %w", err)
	}

	if err := s.doses.MarkTaken(ctx, medicationID, dose.ScheduledAt, loggedAt); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// 与超期判定竞争：剂次刚被标记 missed
			return nil, ErrNoMatchingDose
		}
		return nil, fmt.Errorf("failed to mark dose taken: %w", err)
	}

	dose.Status = models.DoseTaken
	dose.LoggedAt = &loggedAt

	metrics.DoseOutcomes.WithLabelValues(string(models.DoseTaken)).Inc()
	s.invalidateAdherence(ctx, userID)

	s.logger.Info("Dose logged",
		zap.String("medication_id", medicationID),
		zap.String("user_id", userID),
		zap.Time("scheduled_at", dose.ScheduledAt),
		zap.Time("logged_at", loggedAt),
	)

	return dose, nil
}

// Adherence 计算某用户统计窗口内的依从率，优先走缓存
func (s *Scheduler) Adherence(ctx context.Context, userID string) (*models.Adherence, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("Failed to read adherence cache", zap.String("user_id", userID), zap.Error(err))
		} else if ok {
			return cached, nil
		}
	}

	now := s.now()
	since := now.AddDate(0, 0, -s.config.Scheduler.AdherenceWindowDays)

	taken, missed, err := s.doses.CountOutcomes(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count dose outcomes: %w", err)
	}

	rate := 1.0
	if taken+missed > 0 {
		rate = float64(taken) / float64(taken+missed)
	}

	adherence := &models.Adherence{
		UserID:      userID,
		Rate:        rate,
		TakenCount:  taken,
		MissedCount: missed,
		WindowDays:  s.config.Scheduler.AdherenceWindowDays,
		ComputedAt:  now,
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, adherence); err != nil {
			s.logger.Warn("Failed to write adherence cache", zap.String("user_id", userID), zap.Error(err))
		}
	}

	return adherence, nil
}

func (s *Scheduler) invalidateAdherence(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.Warn("Failed to invalidate adherence cache", zap.String("user_id", userID), zap.Error(err))
	}
}
