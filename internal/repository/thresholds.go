package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"artemis-health/internal/models"

	"go.uber.org/zap"
)

// ThresholdRepository 阈值配置仓库
type ThresholdRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewThresholdRepository 创建阈值配置仓库
func NewThresholdRepository(db *sql.DB, logger *zap.Logger) *ThresholdRepository {
	return &ThresholdRepository{
		db:     db,
		logger: logger,
	}
}

// GetProfile 获取用户的阈值配置
// 用户没有任何配置时返回空 Bands 的 profile（调用方使用内置安全区间兜底）
func (r *ThresholdRepository) GetProfile(ctx context.Context, userID string) (*models.ThresholdProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT vital_kind, warning_low, warning_high, critical_low, critical_high, updated_at
		FROM threshold_profiles
		WHERE user_id = $1
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query threshold profile: %w", err)
	}
	defer rows.Close()

	profile := &models.ThresholdProfile{
		UserID: userID,
		Bands:  make(map[models.VitalKind]models.ThresholdBand),
	}

	for rows.Next() {
		var kind string
		var band models.ThresholdBand
		var updatedAt time.Time

		if err := rows.Scan(
			&kind,
			&band.WarningLow,
			&band.WarningHigh,
			&band.CriticalLow,
			&band.CriticalHigh,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan threshold band: %w", err)
		}

		profile.Bands[models.VitalKind(kind)] = band
		if updatedAt.After(profile.UpdatedAt) {
			profile.UpdatedAt = updatedAt
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate threshold bands: %w", err)
	}

	return profile, nil
}

// UpsertBand 写入或更新单个体征的阈值区间
func (r *ThresholdRepository) UpsertBand(ctx context.Context, userID string, kind models.VitalKind, band models.ThresholdBand) error {
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}
	if band.CriticalLow > band.WarningLow || band.WarningLow >= band.WarningHigh || band.WarningHigh > band.CriticalHigh {
		return fmt.Errorf("invalid threshold band for %s: critical must contain warning", kind)
	}

	query := `
		INSERT INTO threshold_profiles (user_id, vital_kind, warning_low, warning_high, critical_low, critical_high, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, vital_kind) DO UPDATE SET
			warning_low = EXCLUDED.warning_low,
			warning_high = EXCLUDED.warning_high,
			critical_low = EXCLUDED.critical_low,
			critical_high = EXCLUDED.critical_high,
			updated_at = NOW()
	`

	_, err := r.db.ExecContext(ctx, query,
		userID,
		string(kind),
		band.WarningLow,
		band.WarningHigh,
		band.CriticalLow,
		band.CriticalHigh,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert threshold band: %w", err)
	}

	return nil
}
