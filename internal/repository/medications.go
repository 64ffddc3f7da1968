package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"artemis-health/internal/models"

	"go.uber.org/zap"
)

// MedicationRepository 用药计划仓库
type MedicationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewMedicationRepository 创建用药计划仓库
func NewMedicationRepository(db *sql.DB, logger *zap.Logger) *MedicationRepository {
	return &MedicationRepository{
		db:     db,
		logger: logger,
	}
}

// CreateSchedule 创建用药计划
func (r *MedicationRepository) CreateSchedule(ctx context.Context, schedule *models.MedicationSchedule) error {
	query := `
		INSERT INTO medication_schedules (medication_id, user_id, name, dosage, interval_sec, start_at, end_at, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
	`

	var endAt sql.NullTime
	if schedule.EndAt != nil {
		endAt = sql.NullTime{Time: *schedule.EndAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		schedule.MedicationID,
		schedule.UserID,
		schedule.Name,
		schedule.Dosage,
		int64(schedule.Interval/time.Second),
		schedule.StartAt,
		endAt,
		string(schedule.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to create medication schedule: %w", err)
	}

	return nil
}

// GetSchedule 获取用药计划
func (r *MedicationRepository) GetSchedule(ctx context.Context, medicationID string) (*models.MedicationSchedule, error) {
	if medicationID == "" {
		return nil, fmt.Errorf("medication_id is required")
	}

	query := `
		SELECT medication_id, user_id, name, dosage, interval_sec, start_at, end_at, status, created_at, updated_at
		FROM medication_schedules
		WHERE medication_id = $1
	`

	schedule, err := r.scanSchedule(r.db.QueryRowContext(ctx, query, medicationID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get medication schedule: %w", err)
	}

	return schedule, nil
}

// UpdateScheduleStatus 更新用药计划状态（暂停/结束/恢复）
func (r *MedicationRepository) UpdateScheduleStatus(ctx context.Context, medicationID string, status models.ScheduleStatus) error {
	query := `
		UPDATE medication_schedules
		SET status = $2, updated_at = NOW()
		WHERE medication_id = $1
	`

	result, err := r.db.ExecContext(ctx, query, medicationID, string(status))
	if err != nil {
		return fmt.Errorf("failed to update schedule status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// ListActiveSchedules 列出全部活跃的用药计划（调度器轮询使用）
func (r *MedicationRepository) ListActiveSchedules(ctx context.Context) ([]models.MedicationSchedule, error) {
	query := `
		SELECT medication_id, user_id, name, dosage, interval_sec, start_at, end_at, status, created_at, updated_at
		FROM medication_schedules
		WHERE status = 'active'
		ORDER BY medication_id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query active schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.MedicationSchedule
	for rows.Next() {
		schedule, err := r.scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan medication schedule: %w", err)
		}
		schedules = append(schedules, *schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schedules: %w", err)
	}

	return schedules, nil
}

// ListSchedulesByUser 列出某用户的用药计划
func (r *MedicationRepository) ListSchedulesByUser(ctx context.Context, userID string) ([]models.MedicationSchedule, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT medication_id, user_id, name, dosage, interval_sec, start_at, end_at, status, created_at, updated_at
		FROM medication_schedules
		WHERE user_id = $1
		ORDER BY created_at
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.MedicationSchedule
	for rows.Next() {
		schedule, err := r.scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan medication schedule: %w", err)
		}
		schedules = append(schedules, *schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate schedules: %w", err)
	}

	return schedules, nil
}

// scanner 兼容 *sql.Row 和 *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanSchedule 扫描单条用药计划
func (r *MedicationRepository) scanSchedule(row scanner) (*models.MedicationSchedule, error) {
	var schedule models.MedicationSchedule
	var intervalSec int64
	var endAt sql.NullTime

	if err := row.Scan(
		&schedule.MedicationID,
		&schedule.UserID,
		&schedule.Name,
		&schedule.Dosage,
		&intervalSec,
		&schedule.StartAt,
		&endAt,
		&schedule.Status,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	schedule.Interval = time.Duration(intervalSec) * time.Second
	if endAt.Valid {
		schedule.EndAt = &endAt.Time
	}

	return &schedule, nil
}
