package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"artemis-health/internal/models"
)

func setupMockNotificationDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *NotificationRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewNotificationRepository(db, logger)

	return db, mock, repo
}

func TestCreateTask_Success(t *testing.T) {
	db, mock, repo := setupMockNotificationDB(t)
	defer db.Close()

	ctx := context.Background()
	taskID := uuid.New().String()
	userID := uuid.New().String()

	task := &models.NotificationTask{
		TaskID:         taskID,
		IdempotencyKey: "alert:" + userID + ":heartRate:alert_raised:1748764800",
		UserID:         userID,
		Channel:        "log",
		Kind:           models.NotifyAlertRaised,
		Payload:        `{"title": "Heart rate alert"}`,
	}

	mock.ExpectExec(`INSERT INTO notification_tasks`).
		WithArgs(taskID, task.IdempotencyKey, userID, "log", "alert_raised", task.Payload).
		WillReturnResult(sqlmock.NewResult(1, 1))

	inserted, err := repo.CreateTask(ctx, task)

	require.NoError(t, err)
	assert.True(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTask_DuplicateKey(t *testing.T) {
	db, mock, repo := setupMockNotificationDB(t)
	defer db.Close()

	ctx := context.Background()
	taskID := uuid.New().String()
	userID := uuid.New().String()

	task := &models.NotificationTask{
		TaskID:         taskID,
		IdempotencyKey: "dose:" + uuid.New().String() + ":1748764800",
		UserID:         userID,
		Channel:        "log",
		Kind:           models.NotifyDoseReminder,
		Payload:        `{}`,
	}

	// ON CONFLICT (idempotency_key) DO NOTHING: caller sees inserted=false
	mock.ExpectExec(`INSERT INTO notification_tasks`).
		WithArgs(taskID, task.IdempotencyKey, userID, "log", "dose_reminder", `{}`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.CreateTask(ctx, task)

	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStatus_Success(t *testing.T) {
	db, mock, repo := setupMockNotificationDB(t)
	defer db.Close()

	ctx := context.Background()
	taskID := uuid.New().String()

	mock.ExpectExec(`UPDATE notification_tasks`).
		WithArgs(taskID, "delivered", 1, sql.NullString{}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateTaskStatus(ctx, taskID, models.TaskDelivered, 1, "")

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStatus_WithError(t *testing.T) {
	db, mock, repo := setupMockNotificationDB(t)
	defer db.Close()

	ctx := context.Background()
	taskID := uuid.New().String()

	mock.ExpectExec(`UPDATE notification_tasks`).
		WithArgs(taskID, "failed_permanent", 3, sql.NullString{String: "connection refused", Valid: true}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateTaskStatus(ctx, taskID, models.TaskFailedPermanent, 3, "connection refused")

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskStatus_NotFound(t *testing.T) {
	db, mock, repo := setupMockNotificationDB(t)
	defer db.Close()

	ctx := context.Background()
	taskID := uuid.New().String()

	mock.ExpectExec(`UPDATE notification_tasks`).
		WithArgs(taskID, "delivered", 1, sql.NullString{}).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateTaskStatus(ctx, taskID, models.TaskDelivered, 1, "")

	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingTasks_Success(t *testing.T) {
	db, mock, repo := setupMockNotificationDB(t)
	defer db.Close()

	ctx := context.Background()
	taskID1 := uuid.New().String()
	taskID2 := uuid.New().String()
	now := time.Now()

	rows := sqlmock.NewRows([]string{
		"task_id", "idempotency_key", "user_id", "channel", "kind",
		"payload", "attempts", "status", "last_error", "created_at", "updated_at",
	}).
		AddRow(taskID1, "key-1", uuid.New().String(), "log", "alert_raised",
			`{}`, 0, "pending", nil, now, now).
		AddRow(taskID2, "key-2", uuid.New().String(), "webhook", "dose_reminder",
			`{}`, 2, "pending", "timeout", now, now)

	mock.ExpectQuery(`SELECT`).
		WithArgs(100).
		WillReturnRows(rows)

	tasks, err := repo.ListPendingTasks(ctx, 100)

	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	assert.Equal(t, taskID1, tasks[0].TaskID)
	assert.Nil(t, tasks[0].LastError)
	assert.Equal(t, 2, tasks[1].Attempts)
	require.NotNil(t, tasks[1].LastError)
	assert.Equal(t, "timeout", *tasks[1].LastError)

	require.NoError(t, mock.ExpectationsWereMet())
}
