package models

import (
	"time"
)

// ThresholdBand 单个生命体征的阈值区间
// [WarningLow, WarningHigh] 为正常区间
// [CriticalLow, WarningLow) ∪ (WarningHigh, CriticalHigh] 为警告区间
// 超出 CriticalLow/CriticalHigh 为危急区间
type ThresholdBand struct {
	WarningLow   float64 `json:"warning_low" db:"warning_low"`
	WarningHigh  float64 `json:"warning_high" db:"warning_high"`
	CriticalLow  float64 `json:"critical_low" db:"critical_low"`
	CriticalHigh float64 `json:"critical_high" db:"critical_high"`
}

// ThresholdProfile 用户阈值配置（对应 threshold_profiles 表）
// 缺失的体征类型使用内置安全区间
type ThresholdProfile struct {
	UserID    string                      `json:"user_id" db:"user_id"`
	Bands     map[VitalKind]ThresholdBand `json:"bands"`
	UpdatedAt time.Time                   `json:"updated_at" db:"updated_at"`
}
