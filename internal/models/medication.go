package models

import (
	"time"
)

// ScheduleStatus 用药计划状态
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "active"
	SchedulePaused ScheduleStatus = "paused"
	ScheduleEnded  ScheduleStatus = "ended"
)

// MedicationSchedule 用药计划（对应 medication_schedules 表）
type MedicationSchedule struct {
	MedicationID string         `json:"medication_id" db:"medication_id"`
	UserID       string         `json:"user_id" db:"user_id"`
	Name         string         `json:"name" db:"name"`
	Dosage       string         `json:"dosage" db:"dosage"`
	Interval     time.Duration  `json:"interval_sec" db:"interval_sec"` // 给药间隔
	StartAt      time.Time      `json:"start_at" db:"start_at"`
	EndAt        *time.Time     `json:"end_at,omitempty" db:"end_at"`
	Status       ScheduleStatus `json:"status" db:"status"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// DoseStatus 剂次状态（单向转换：pending → taken 或 missed）
type DoseStatus string

const (
	DosePending DoseStatus = "pending"
	DoseTaken   DoseStatus = "taken"
	DoseMissed  DoseStatus = "missed"
)

// DoseEvent 预期剂次（对应 dose_events 表）
// 每个预期剂次一条记录，由调度器在计算下次给药时间时创建
type DoseEvent struct {
	MedicationID string     `json:"medication_id" db:"medication_id"`
	ScheduledAt  time.Time  `json:"scheduled_at" db:"scheduled_at"`
	Status       DoseStatus `json:"status" db:"status"`
	LoggedAt     *time.Time `json:"logged_at,omitempty" db:"logged_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// Adherence 依从率统计
type Adherence struct {
	UserID      string    `json:"user_id"`
	Rate        float64   `json:"rate"` // taken / (taken + missed)，无终态剂次时为 1.0
	TakenCount  int       `json:"taken_count"`
	MissedCount int       `json:"missed_count"`
	WindowDays  int       `json:"window_days"`
	ComputedAt  time.Time `json:"computed_at"`
}
