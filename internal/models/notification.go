package models

import (
	"time"
)

// NotificationKind 通知类型
type NotificationKind string

const (
	NotifyAlertRaised    NotificationKind = "alert_raised"
	NotifyAlertEscalated NotificationKind = "alert_escalated"
	NotifyAlertRenotify  NotificationKind = "alert_renotify"
	NotifyAlertResolved  NotificationKind = "alert_resolved"
	NotifyDoseReminder   NotificationKind = "dose_reminder"
)

// TaskStatus 通知任务状态
type TaskStatus string

const (
	TaskPending         TaskStatus = "pending"
	TaskDelivered       TaskStatus = "delivered"
	TaskFailedPermanent TaskStatus = "failed_permanent"
)

// NotificationTask 通知任务（对应 notification_tasks 表）
// idempotency_key 唯一；同一 key 的任务最多投递一次
type NotificationTask struct {
	TaskID         string           `json:"task_id" db:"task_id"`
	IdempotencyKey string           `json:"idempotency_key" db:"idempotency_key"`
	UserID         string           `json:"user_id" db:"user_id"`
	Channel        string           `json:"channel" db:"channel"`
	Kind           NotificationKind `json:"kind" db:"kind"`
	Payload        string           `json:"payload" db:"payload"` // JSONB
	Attempts       int              `json:"attempts" db:"attempts"`
	Status         TaskStatus       `json:"status" db:"status"`
	LastError      *string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at" db:"updated_at"`
}

// NotificationPayload 通知内容（JSONB 结构）
type NotificationPayload struct {
	UserID         string  `json:"user_id"`
	Kind           string  `json:"kind"`
	Title          string  `json:"title"`
	Message        string  `json:"message"`
	VitalKind      string  `json:"vital_kind,omitempty"`
	Tier           string  `json:"tier,omitempty"`
	Value          float64 `json:"value,omitempty"`
	MedicationID   string  `json:"medication_id,omitempty"`
	MedicationName string  `json:"medication_name,omitempty"`
	Dosage         string  `json:"dosage,omitempty"`
	ScheduledAt    int64   `json:"scheduled_at,omitempty"`
	Timestamp      int64   `json:"timestamp"`
}
