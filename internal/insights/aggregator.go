package insights

import (
	"context"
	"errors"
	"fmt"
	"time"

	"artemis-health/internal/config"
	"artemis-health/internal/detector"
	"artemis-health/internal/metrics"
	"artemis-health/internal/models"
	"artemis-health/internal/repository"

	"go.uber.org/zap"
)

// 评分构成：体征权重 + 依从权重 = 1，活跃报警按级别扣分
const (
	weightVitals    = 0.6
	weightAdherence = 0.4
	penaltyCritical = 15.0
	penaltyWarning  = 5.0
)

// 趋势斜率阈值：超过视为上升/下降
const trendSlopeThreshold = 0.1

// ReadingSource 读数来源（由 repository.VitalsRepository 实现）
type ReadingSource interface {
	ListActiveUserIDs(ctx context.Context, since time.Time) ([]string, error)
	ListReadingsSince(ctx context.Context, userID string, since time.Time) ([]models.VitalsReading, error)
}

// ProfileSource 阈值配置来源（由 repository.ThresholdRepository 实现）
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (*models.ThresholdProfile, error)
}

// AlertSource 活跃报警来源（由 repository.AlertRepository 实现）
type AlertSource interface {
	ListAlertStates(ctx context.Context, userID string) ([]models.AlertState, error)
}

// AdherenceSource 依从率来源（由 scheduler.Scheduler 实现）
type AdherenceSource interface {
	Adherence(ctx context.Context, userID string) (*models.Adherence, error)
}

// ScoreStore 评分快照持久化（由 repository.HealthScoreRepository 实现）
type ScoreStore interface {
	InsertSnapshot(ctx context.Context, snapshot *models.HealthScoreSnapshot) error
}

// Aggregator 洞察聚合器
// 周期性为活跃用户计算趋势、健康评分和洞察文本，追加写评分快照
type Aggregator struct {
	config    *config.Config
	readings  ReadingSource
	profiles  ProfileSource
	alerts    AlertSource
	adherence AdherenceSource
	scores    ScoreStore
	textgen   *TextGenerator
	logger    *zap.Logger

	now func() time.Time // 测试中可替换
}

// NewAggregator 创建洞察聚合器
func NewAggregator(cfg *config.Config, readings ReadingSource, profiles ProfileSource, alerts AlertSource, adherence AdherenceSource, scores ScoreStore, textgen *TextGenerator, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		config:    cfg,
		readings:  readings,
		profiles:  profiles,
		alerts:    alerts,
		adherence: adherence,
		scores:    scores,
		textgen:   textgen,
		logger:    logger,
		now:       time.Now,
	}
}

// Start 启动聚合循环，ctx 取消后退出
func (a *Aggregator) Start(ctx context.Context) {
	go a.run(ctx)
}

func (a *Aggregator) run(ctx context.Context) {
	ticker := time.NewTicker(a.config.Insights.Interval)
	defer ticker.Stop()

	a.logger.Info("Insight aggregator started",
		zap.Duration("interval", a.config.Insights.Interval),
		zap.Int("window_days", a.config.Insights.WindowDays),
	)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Insight aggregator stopped")
			return
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				a.logger.Error("Insight aggregation run failed", zap.Error(err))
			}
		}
	}
}

// RunOnce 为上个周期内有读数的所有用户重算洞察
func (a *Aggregator) RunOnce(ctx context.Context) error {
	since := a.now().Add(-a.config.Insights.Interval)

	userIDs, err := a.readings.ListActiveUserIDs(ctx, since)
	if err != nil {
		metrics.InsightRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to list active users: %w", err)
	}

	for _, userID := range userIDs {
		if err := a.RefreshUser(ctx, userID); err != nil {
			// 单个用户失败不阻塞其余用户
			a.logger.Error("Failed to refresh user insight",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}

	a.logger.Info("Insight aggregation run completed", zap.Int("user_count", len(userIDs)))
	return nil
}

// RefreshUser 重算单个用户的趋势、评分和洞察文本并写入快照
func (a *Aggregator) RefreshUser(ctx context.Context, userID string) error {
	now := a.now()
	windowStart := now.AddDate(0, 0, -a.config.Insights.WindowDays)

	readings, err := a.readings.ListReadingsSince(ctx, userID, windowStart)
	if err != nil {
		metrics.InsightRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to list readings: %w", err)
	}

	profile, err := a.profiles.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		a.logger.Warn("Failed to load threshold profile, using defaults",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		profile = nil
	}

	trends := computeTrends(readings, profile)

	adherenceRate := 1.0
	if adh, err := a.adherence.Adherence(ctx, userID); err != nil {
		a.logger.Warn("Failed to compute adherence, assuming full adherence",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	} else {
		adherenceRate = adh.Rate
	}

	activeAlerts, err := a.alerts.ListAlertStates(ctx, userID)
	if err != nil {
		metrics.InsightRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to list alert states: %w", err)
	}

	var criticalAlerts, warningAlerts int
	for _, alert := range activeAlerts {
		switch alert.Tier {
		case models.TierCritical:
			criticalAlerts++
		case models.TierWarning:
			warningAlerts++
		}
	}

	normalFraction, readingCount := overallNormalFraction(trends)
	score := computeScore(normalFraction, adherenceRate, criticalAlerts, warningAlerts)

	insightCtx := &models.InsightContext{
		UserID:        userID,
		Score:         score,
		Status:        models.OverallStatus(score),
		AdherenceRate: adherenceRate,
		Trends:        trends,
		ActiveAlerts:  activeAlerts,
		WindowStart:   windowStart,
		WindowEnd:     now,
	}

	snapshot := &models.HealthScoreSnapshot{
		UserID:     userID,
		ComputedAt: now,
		Score:      score,
		Factors: models.ScoreFactors{
			NormalFraction: normalFraction,
			AdherenceRate:  adherenceRate,
			CriticalAlerts: criticalAlerts,
			WarningAlerts:  warningAlerts,
			ReadingCount:   readingCount,
		},
		Insight: a.textgen.Generate(ctx, insightCtx),
	}

	if err := a.scores.InsertSnapshot(ctx, snapshot); err != nil {
		metrics.InsightRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to insert score snapshot: %w", err)
	}

	metrics.InsightRuns.WithLabelValues("success").Inc()

	a.logger.Info("User insight refreshed",
		zap.String("user_id", userID),
		zap.Float64("score", score),
		zap.String("status", insightCtx.Status),
		zap.Int("reading_count", readingCount),
	)

	return nil
}

// computeScore 计算健康评分并钳位到 [0, 100]
func computeScore(normalFraction, adherenceRate float64, criticalAlerts, warningAlerts int) float64 {
	score := 100*(weightVitals*normalFraction+weightAdherence*adherenceRate) -
		penaltyCritical*float64(criticalAlerts) -
		penaltyWarning*float64(warningAlerts)

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// computeTrends 按体征类型汇总窗口内读数
// 读数需按时间升序（ListReadingsSince 保证）
func computeTrends(readings []models.VitalsReading, profile *models.ThresholdProfile) map[models.VitalKind]models.VitalTrend {
	series := make(map[models.VitalKind][]float64)
	for _, reading := range readings {
		for kind, value := range reading.Vitals {
			series[kind] = append(series[kind], value)
		}
	}

	trends := make(map[models.VitalKind]models.VitalTrend, len(series))
	for kind, values := range series {
		trend := models.VitalTrend{
			Min:   values[0],
			Max:   values[0],
			Count: len(values),
		}

		band, hasBand := resolveBand(kind, profile)
		normal := 0
		sum := 0.0
		for _, v := range values {
			sum += v
			if v < trend.Min {
				trend.Min = v
			}
			if v > trend.Max {
				trend.Max = v
			}
			if !hasBand || detector.ClassifyValue(v, band) == models.TierNormal {
				normal++
			}
		}

		trend.Average = sum / float64(len(values))
		trend.NormalFraction = float64(normal) / float64(len(values))
		trend.Direction = direction(values)

		trends[kind] = trend
	}

	return trends
}

func resolveBand(kind models.VitalKind, profile *models.ThresholdProfile) (models.ThresholdBand, bool) {
	if profile != nil {
		if band, ok := profile.Bands[kind]; ok {
			return band, true
		}
	}
	return detector.DefaultBand(kind)
}

// overallNormalFraction 所有体征读数中 normal 的总占比，没有读数时为 1
func overallNormalFraction(trends map[models.VitalKind]models.VitalTrend) (float64, int) {
	var normal, total float64
	count := 0
	for _, trend := range trends {
		normal += trend.NormalFraction * float64(trend.Count)
		total += float64(trend.Count)
		count += trend.Count
	}
	if total == 0 {
		return 1.0, 0
	}
	return normal / total, count
}

// direction 最小二乘斜率判定趋势方向
func direction(values []float64) models.TrendDirection {
	if len(values) < 2 {
		return models.TrendStable
	}

	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return models.TrendStable
	}

	slope := (n*sumXY - sumX*sumY) / denom
	switch {
	case slope > trendSlopeThreshold:
		return models.TrendIncreasing
	case slope < -trendSlopeThreshold:
		return models.TrendDecreasing
	default:
		return models.TrendStable
	}
}
