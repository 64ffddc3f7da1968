package repository

import (
	"context"
	"database/sql"
	"fmt"

	"artemis-health/internal/models"

	"go.uber.org/zap"
)

// NotificationRepository 通知任务仓库
type NotificationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewNotificationRepository 创建通知任务仓库
func NewNotificationRepository(db *sql.DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

// CreateTask 创建通知任务
// idempotency_key 已存在时幂等忽略，返回 false
func (r *NotificationRepository) CreateTask(ctx context.Context, task *models.NotificationTask) (bool, error) {
	query := `
		INSERT INTO notification_tasks (task_id, idempotency_key, user_id, channel, kind, payload, attempts, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 'pending', NOW(), NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		task.TaskID,
		task.IdempotencyKey,
		task.UserID,
		task.Channel,
		string(task.Kind),
		task.Payload,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create notification task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected > 0, nil
}

// UpdateTaskStatus 更新任务状态、重试次数和最近错误
func (r *NotificationRepository) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, attempts int, lastError string) error {
	query := `
		UPDATE notification_tasks
		SET status = $2, attempts = $3, last_error = $4, updated_at = NOW()
		WHERE task_id = $1
	`

	var errValue sql.NullString
	if lastError != "" {
		errValue = sql.NullString{String: lastError, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, query, taskID, string(status), attempts, errValue)
	if err != nil {
		return fmt.Errorf("failed to update notification task: %w", err)
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

// ListPendingTasks 列出 pending 状态的任务（服务重启后恢复投递）
func (r *NotificationRepository) ListPendingTasks(ctx context.Context, limit int) ([]models.NotificationTask, error) {
	query := `
		SELECT task_id, idempotency_key, user_id, channel, kind, payload, attempts, status, last_error, created_at, updated_at
		FROM notification_tasks
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.NotificationTask
	for rows.Next() {
		var task models.NotificationTask
		var lastError sql.NullString

		if err := rows.Scan(
			&task.TaskID,
			&task.IdempotencyKey,
			&task.UserID,
			&task.Channel,
			&task.Kind,
			&task.Payload,
			&task.Attempts,
			&task.Status,
			&lastError,
			&task.CreatedAt,
			&task.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification task: %w", err)
		}

		if lastError.Valid {
			task.LastError = &lastError.String
		}

		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notification tasks: %w", err)
	}

	return tasks, nil
}
