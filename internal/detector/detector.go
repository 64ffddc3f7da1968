package detector

import (
	"sort"

	"artemis-health/internal/models"

	"go.uber.org/zap"
)

// defaultBands 内置安全区间（用户未配置阈值时使用）
var defaultBands = map[models.VitalKind]models.ThresholdBand{
	models.VitalHeartRate:        {WarningLow: 50, WarningHigh: 150, CriticalLow: 40, CriticalHigh: 200},
	models.VitalSystolicBP:       {WarningLow: 90, WarningHigh: 140, CriticalLow: 70, CriticalHigh: 180},
	models.VitalDiastolicBP:      {WarningLow: 60, WarningHigh: 90, CriticalLow: 40, CriticalHigh: 110},
	models.VitalTemperature:      {WarningLow: 97, WarningHigh: 100.4, CriticalLow: 95, CriticalHigh: 104},
	models.VitalOxygenSaturation: {WarningLow: 95, WarningHigh: 100.1, CriticalLow: 90, CriticalHigh: 100.1},
}

// DefaultBand 返回内置安全区间
func DefaultBand(kind models.VitalKind) (models.ThresholdBand, bool) {
	band, ok := defaultBands[kind]
	return band, ok
}

// Detector 异常检测器
// 纯函数分级：相同的 (读数, 阈值配置) 输入总是产生相同的分级结果
type Detector struct {
	logger *zap.Logger
}

// NewDetector 创建异常检测器
func NewDetector(logger *zap.Logger) *Detector {
	return &Detector{logger: logger}
}

// ClassifyValue 对单个数值分级
// 边界值归入更严格（更严重）的分级
func ClassifyValue(value float64, band models.ThresholdBand) models.Tier {
	if value <= band.CriticalLow || value >= band.CriticalHigh {
		return models.TierCritical
	}
	if value <= band.WarningLow || value >= band.WarningHigh {
		return models.TierWarning
	}
	return models.TierNormal
}

// Classify 对一次读数中的所有体征分级
// 未配置阈值的体征使用内置安全区间；未知体征归为 normal 并记录日志，不拒绝
// 输出按体征类型排序，保证结果确定
func (d *Detector) Classify(reading *models.VitalsReading, profile *models.ThresholdProfile) []models.Classification {
	results := make([]models.Classification, 0, len(reading.Vitals))

	for kind, value := range reading.Vitals {
		band, ok := d.resolveBand(kind, profile)
		if !ok {
			// 未知体征类型：归为 normal，记录后继续
			d.logger.Warn("Unrecognized vital kind",
				zap.String("user_id", reading.UserID),
				zap.String("vital_kind", string(kind)),
				zap.Float64("value", value),
			)
			results = append(results, models.Classification{
				Kind:  kind,
				Value: value,
				Tier:  models.TierNormal,
			})
			continue
		}

		results = append(results, models.Classification{
			Kind:  kind,
			Value: value,
			Tier:  ClassifyValue(value, band),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Kind < results[j].Kind
	})

	return results
}

// resolveBand 解析体征的阈值区间：用户配置优先，内置安全区间兜底
func (d *Detector) resolveBand(kind models.VitalKind, profile *models.ThresholdProfile) (models.ThresholdBand, bool) {
	if profile != nil {
		if band, ok := profile.Bands[kind]; ok {
			return band, true
		}
	}
	band, ok := defaultBands[kind]
	return band, ok
}
