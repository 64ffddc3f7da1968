package models

import (
	"time"
)

// VitalKind 生命体征类型
type VitalKind string

const (
	VitalHeartRate        VitalKind = "heartRate"
	VitalSystolicBP       VitalKind = "systolicBP"
	VitalDiastolicBP      VitalKind = "diastolicBP"
	VitalTemperature      VitalKind = "temperature"
	VitalOxygenSaturation VitalKind = "oxygenSaturation"
)

// VitalsReading 一次生命体征读数（对应 vitals_readings 表）
// 同一 (user_id, device_id, recorded_at) 的重复提交幂等忽略
type VitalsReading struct {
	UserID     string                `json:"user_id" db:"user_id"`
	DeviceID   string                `json:"device_id" db:"device_id"`
	RecordedAt time.Time             `json:"recorded_at" db:"recorded_at"`
	Vitals     map[VitalKind]float64 `json:"vitals" db:"vitals"` // JSONB
	CreatedAt  time.Time             `json:"created_at" db:"created_at"`
}

// Tier 严重程度分级
type Tier string

const (
	TierNormal   Tier = "normal"
	TierWarning  Tier = "warning"
	TierCritical Tier = "critical"
)

// Severity 分级的严重程度排序（用于比较是否恶化）
func (t Tier) Severity() int {
	switch t {
	case TierCritical:
		return 2
	case TierWarning:
		return 1
	default:
		return 0
	}
}

// Classification 单个生命体征的分级结果
type Classification struct {
	Kind  VitalKind `json:"kind"`
	Value float64   `json:"value"`
	Tier  Tier      `json:"tier"`
}
