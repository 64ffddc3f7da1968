package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"artemis-health/internal/models"

	"go.uber.org/zap"
)

// HealthScoreRepository 健康评分快照仓库
type HealthScoreRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewHealthScoreRepository 创建健康评分仓库
func NewHealthScoreRepository(db *sql.DB, logger *zap.Logger) *HealthScoreRepository {
	return &HealthScoreRepository{
		db:     db,
		logger: logger,
	}
}

// InsertSnapshot 追加写入健康评分快照
func (r *HealthScoreRepository) InsertSnapshot(ctx context.Context, snapshot *models.HealthScoreSnapshot) error {
	factorsJSON, err := json.Marshal(snapshot.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal score factors: %w", err)
	}

	query := `
		INSERT INTO health_scores (user_id, computed_at, score, factors, insight)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err = r.db.ExecContext(ctx, query,
		snapshot.UserID,
		snapshot.ComputedAt,
		snapshot.Score,
		factorsJSON,
		snapshot.Insight,
	)
	if err != nil {
		return fmt.Errorf("failed to insert health score: %w", err)
	}

	return nil
}

// GetLatest 获取某用户最新的健康评分快照
// 没有快照返回 ErrNotFound
func (r *HealthScoreRepository) GetLatest(ctx context.Context, userID string) (*models.HealthScoreSnapshot, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT user_id, computed_at, score, factors, insight
		FROM health_scores
		WHERE user_id = $1
		ORDER BY computed_at DESC
		LIMIT 1
	`

	var snapshot models.HealthScoreSnapshot
	var factorsJSON []byte

	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&snapshot.UserID,
		&snapshot.ComputedAt,
		&snapshot.Score,
		&factorsJSON,
		&snapshot.Insight,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest health score: %w", err)
	}

	if err := json.Unmarshal(factorsJSON, &snapshot.Factors); err != nil {
		return nil, fmt.Errorf("failed to unmarshal score factors: %w", err)
	}

	return &snapshot, nil
}
