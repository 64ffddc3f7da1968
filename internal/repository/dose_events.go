package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"artemis-health/internal/models"

	"go.uber.org/zap"
)

// DoseRepository 剂次事件仓库
type DoseRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDoseRepository 创建剂次事件仓库
func NewDoseRepository(db *sql.DB, logger *zap.Logger) *DoseRepository {
	return &DoseRepository{
		db:     db,
		logger: logger,
	}
}

// CreateDoseEvent 创建预期剂次
// 同一 (medication_id, scheduled_at) 重复创建被幂等忽略
func (r *DoseRepository) CreateDoseEvent(ctx context.Context, medicationID string, scheduledAt time.Time) error {
	query := `
		INSERT INTO dose_events (medication_id, scheduled_at, status, created_at)
		VALUES ($1, $2, 'pending', NOW())
		ON CONFLICT (medication_id, scheduled_at) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query, medicationID, scheduledAt)
	if err != nil {
		return fmt.Errorf("failed to create dose event: %w", err)
	}

	return nil
}

// GetOpenDose 查找补录时间落在宽限窗口内（±grace）的 pending 剂次
// 没有匹配返回 ErrNotFound
func (r *DoseRepository) GetOpenDose(ctx context.Context, medicationID string, loggedAt time.Time, grace time.Duration) (*models.DoseEvent, error) {
	if medicationID == "" {
		return nil, fmt.Errorf("medication_id is required")
	}

	query := `
		SELECT medication_id, scheduled_at, status, logged_at, created_at
		FROM dose_events
		WHERE medication_id = $1
		  AND status = 'pending'
		  AND scheduled_at >= $2
		  AND scheduled_at <= $3
		ORDER BY scheduled_at ASC
		LIMIT 1
	`

	var dose models.DoseEvent
	var dbLoggedAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query,
		medicationID,
		loggedAt.Add(-grace),
		loggedAt.Add(grace),
	).Scan(
		&dose.MedicationID,
		&dose.ScheduledAt,
		&dose.Status,
		&dbLoggedAt,
		&dose.CreatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get open dose: %w", err)
	}

	if dbLoggedAt.Valid {
		dose.LoggedAt = &dbLoggedAt.Time
	}

	return &dose, nil
}

// MarkTaken 将 pending 剂次转为 taken（状态单向，仅 pending 可转换）
func (r *DoseRepository) MarkTaken(ctx context.Context, medicationID string, scheduledAt, loggedAt time.Time) error {
	query := `
		UPDATE dose_events
		SET status = 'taken', logged_at = $3
		WHERE medication_id = $1
		  AND scheduled_at = $2
		  AND status = 'pending'
	`

	result, err := r.db.ExecContext(ctx, query, medicationID, scheduledAt, loggedAt)
	if err != nil {
		return fmt.Errorf("failed to mark dose taken: %w", err)
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

// MarkMissed 将 pending 剂次转为 missed
func (r *DoseRepository) MarkMissed(ctx context.Context, medicationID string, scheduledAt time.Time) error {
	query := `
		UPDATE dose_events
		SET status = 'missed'
		WHERE medication_id = $1
		  AND scheduled_at = $2
		  AND status = 'pending'
	`

	result, err := r.db.ExecContext(ctx, query, medicationID, scheduledAt)
	if err != nil {
		return fmt.Errorf("failed to mark dose missed: %w", err)
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

// MarkPendingMissedBefore 将截止时间之前的全部 pending 剂次标记为 missed
// 计划暂停/结束时终态化已到期的剂次；返回转换的行数
func (r *DoseRepository) MarkPendingMissedBefore(ctx context.Context, medicationID string, before time.Time) (int, error) {
	query := `
		UPDATE dose_events
		SET status = 'missed'
		WHERE medication_id = $1
		  AND status = 'pending'
		  AND scheduled_at <= $2
	`

	result, err := r.db.ExecContext(ctx, query, medicationID, before)
	if err != nil {
		return 0, fmt.Errorf("failed to mark pending doses missed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(affected), nil
}

// DeletePendingAfter 删除截止时间之后的 pending 剂次
// 计划暂停/结束后这些剂次不再是预期剂次；返回删除的行数
func (r *DoseRepository) DeletePendingAfter(ctx context.Context, medicationID string, after time.Time) (int, error) {
	query := `
		DELETE FROM dose_events
		WHERE medication_id = $1
		  AND status = 'pending'
		  AND scheduled_at > $2
	`

	result, err := r.db.ExecContext(ctx, query, medicationID, after)
	if err != nil {
		return 0, fmt.Errorf("failed to delete pending doses: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(affected), nil
}

// ListPendingDue 列出截止时间之前到期的 pending 剂次（提醒与超期判定使用）
func (r *DoseRepository) ListPendingDue(ctx context.Context, medicationID string, before time.Time) ([]models.DoseEvent, error) {
	query := `
		SELECT medication_id, scheduled_at, status, logged_at, created_at
		FROM dose_events
		WHERE medication_id = $1
		  AND status = 'pending'
		  AND scheduled_at <= $2
		ORDER BY scheduled_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, medicationID, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending doses: %w", err)
	}
	defer rows.Close()

	var doses []models.DoseEvent
	for rows.Next() {
		var dose models.DoseEvent
		var loggedAt sql.NullTime

		if err := rows.Scan(
			&dose.MedicationID,
			&dose.ScheduledAt,
			&dose.Status,
			&loggedAt,
			&dose.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan dose event: %w", err)
		}

		if loggedAt.Valid {
			dose.LoggedAt = &loggedAt.Time
		}

		doses = append(doses, dose)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dose events: %w", err)
	}

	return doses, nil
}

// LatestScheduledAt 返回某计划最后一个剂次的预定时间
// 计划还没有剂次时返回 ErrNotFound
func (r *DoseRepository) LatestScheduledAt(ctx context.Context, medicationID string) (time.Time, error) {
	query := `
		SELECT MAX(scheduled_at)
		FROM dose_events
		WHERE medication_id = $1
	`

	var latest sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, medicationID).Scan(&latest); err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest dose: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, ErrNotFound
	}

	return latest.Time, nil
}

// CountOutcomes 统计某用户在统计窗口内的终态剂次数（taken/missed）
func (r *DoseRepository) CountOutcomes(ctx context.Context, userID string, since time.Time) (taken int, missed int, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE d.status = 'taken'),
			COUNT(*) FILTER (WHERE d.status = 'missed')
		FROM dose_events d
		JOIN medication_schedules m ON m.medication_id = d.medication_id
		WHERE m.user_id = $1
		  AND d.scheduled_at >= $2
	`

	if err := r.db.QueryRowContext(ctx, query, userID, since).Scan(&taken, &missed); err != nil {
		return 0, 0, fmt.Errorf("failed to count dose outcomes: %w", err)
	}

	return taken, missed, nil
}
