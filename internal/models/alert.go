package models

import (
	"time"
)

// AlertState 单个 (user_id, vital_kind) 的活跃报警状态（对应 alert_states 表）
// 仅在 tier ≠ normal 时存在；回到 normal 并通过清除确认后删除
type AlertState struct {
	UserID           string     `json:"user_id" db:"user_id"`
	VitalKind        VitalKind  `json:"vital_kind" db:"vital_kind"`
	Tier             Tier       `json:"tier" db:"tier"`
	TierEnteredAt    time.Time  `json:"tier_entered_at" db:"tier_entered_at"`
	LastNotifiedAt   *time.Time `json:"last_notified_at,omitempty" db:"last_notified_at"`
	LastNotifiedTier Tier       `json:"last_notified_tier" db:"last_notified_tier"`
	NormalStreak     int        `json:"normal_streak" db:"normal_streak"` // 连续 normal 读数计数（清除确认）
	ClearingSince    *time.Time `json:"clearing_since,omitempty" db:"clearing_since"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// AlertTransition 报警生命周期转换类型
type AlertTransition string

const (
	TransitionRaised    AlertTransition = "raised"
	TransitionEscalated AlertTransition = "escalated"
	TransitionDemoted   AlertTransition = "demoted"
	TransitionClearing  AlertTransition = "clearing"
	TransitionResolved  AlertTransition = "resolved"
	TransitionReraised  AlertTransition = "reraised"
)

// AlertEvent 报警生命周期事件（对应 alert_events 表，追加写）
type AlertEvent struct {
	EventID     string          `json:"event_id" db:"event_id"`
	UserID      string          `json:"user_id" db:"user_id"`
	VitalKind   VitalKind       `json:"vital_kind" db:"vital_kind"`
	Transition  AlertTransition `json:"transition" db:"transition"`
	Tier        Tier            `json:"tier" db:"tier"`
	Value       float64         `json:"value" db:"value"`
	TriggerData string          `json:"trigger_data" db:"trigger_data"` // JSONB
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// AlertTriggerData 触发数据快照（JSONB 结构）
type AlertTriggerData struct {
	Value        float64        `json:"value"`
	Band         *ThresholdBand `json:"band,omitempty"`
	DeviceID     string         `json:"device_id,omitempty"`
	RecordedAt   int64          `json:"recorded_at"`
	NormalStreak int            `json:"normal_streak,omitempty"`
}
