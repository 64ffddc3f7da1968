package models

import (
	"time"
)

// TrendDirection 趋势方向
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// VitalTrend 单个生命体征的趋势统计
type VitalTrend struct {
	Average        float64        `json:"average"`
	Min            float64        `json:"min"`
	Max            float64        `json:"max"`
	Count          int            `json:"count"`
	Direction      TrendDirection `json:"direction"`
	NormalFraction float64        `json:"normal_fraction"` // 处于 normal 分级的读数占比
}

// ScoreFactors 健康评分的构成因子（JSONB 结构）
type ScoreFactors struct {
	NormalFraction float64 `json:"normal_fraction"`
	AdherenceRate  float64 `json:"adherence_rate"`
	CriticalAlerts int     `json:"critical_alerts"`
	WarningAlerts  int     `json:"warning_alerts"`
	ReadingCount   int     `json:"reading_count"`
}

// HealthScoreSnapshot 健康评分快照（对应 health_scores 表，追加写）
type HealthScoreSnapshot struct {
	UserID     string       `json:"user_id" db:"user_id"`
	ComputedAt time.Time    `json:"computed_at" db:"computed_at"`
	Score      float64      `json:"score" db:"score"`
	Factors    ScoreFactors `json:"factors" db:"factors"` // JSONB
	Insight    string       `json:"insight" db:"insight"`
}

// OverallStatus 根据评分返回总体状态标签
func OverallStatus(score float64) string {
	switch {
	case score >= 90:
		return "Excellent"
	case score >= 80:
		return "Good"
	case score >= 70:
		return "Fair"
	case score >= 60:
		return "Poor"
	default:
		return "Critical"
	}
}

// InsightContext 交给外部文本生成服务的结构化上下文
type InsightContext struct {
	UserID        string                   `json:"user_id"`
	Score         float64                  `json:"score"`
	Status        string                   `json:"status"`
	AdherenceRate float64                  `json:"adherence_rate"`
	Trends        map[VitalKind]VitalTrend `json:"trends"`
	ActiveAlerts  []AlertState             `json:"active_alerts"`
	WindowStart   time.Time                `json:"window_start"`
	WindowEnd     time.Time                `json:"window_end"`
}
