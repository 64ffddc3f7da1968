package repository

import (
	"context"
	"database/sql"
	"fmt"

	"artemis-health/internal/models"

	"go.uber.org/zap"
)

// AlertRepository 报警状态与报警事件仓库
type AlertRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertRepository 创建报警仓库
func NewAlertRepository(db *sql.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// GetAlertState 获取单个 (user_id, vital_kind) 的活跃报警状态
// 状态不存在返回 ErrNotFound（表示该体征处于 normal）
func (r *AlertRepository) GetAlertState(ctx context.Context, userID string, kind models.VitalKind) (*models.AlertState, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT user_id, vital_kind, tier, tier_entered_at, last_notified_at, last_notified_tier, normal_streak, clearing_since, updated_at
		FROM alert_states
		WHERE user_id = $1
		  AND vital_kind = $2
	`

	var state models.AlertState
	var lastNotifiedAt, clearingSince sql.NullTime
	var lastNotifiedTier sql.NullString

	err := r.db.QueryRowContext(ctx, query, userID, string(kind)).Scan(
		&state.UserID,
		&state.VitalKind,
		&state.Tier,
		&state.TierEnteredAt,
		&lastNotifiedAt,
		&lastNotifiedTier,
		&state.NormalStreak,
		&clearingSince,
		&state.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get alert state: %w", err)
	}

	if lastNotifiedAt.Valid {
		state.LastNotifiedAt = &lastNotifiedAt.Time
	}
	if lastNotifiedTier.Valid {
		state.LastNotifiedTier = models.Tier(lastNotifiedTier.String)
	}
	if clearingSince.Valid {
		state.ClearingSince = &clearingSince.Time
	}

	return &state, nil
}

// UpsertAlertState 写入或更新报警状态
func (r *AlertRepository) UpsertAlertState(ctx context.Context, state *models.AlertState) error {
	query := `
		INSERT INTO alert_states (user_id, vital_kind, tier, tier_entered_at, last_notified_at, last_notified_tier, normal_streak, clearing_since, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (user_id, vital_kind) DO UPDATE SET
			tier = EXCLUDED.tier,
			tier_entered_at = EXCLUDED.tier_entered_at,
			last_notified_at = EXCLUDED.last_notified_at,
			last_notified_tier = EXCLUDED.last_notified_tier,
			normal_streak = EXCLUDED.normal_streak,
			clearing_since = EXCLUDED.clearing_since,
			updated_at = NOW()
	`

	var lastNotifiedAt, clearingSince sql.NullTime
	if state.LastNotifiedAt != nil {
		lastNotifiedAt = sql.NullTime{Time: *state.LastNotifiedAt, Valid: true}
	}
	if state.ClearingSince != nil {
		clearingSince = sql.NullTime{Time: *state.ClearingSince, Valid: true}
	}
	var lastNotifiedTier sql.NullString
	if state.LastNotifiedTier != "" {
		lastNotifiedTier = sql.NullString{String: string(state.LastNotifiedTier), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		state.UserID,
		string(state.VitalKind),
		string(state.Tier),
		state.TierEnteredAt,
		lastNotifiedAt,
		lastNotifiedTier,
		state.NormalStreak,
		clearingSince,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert alert state: %w", err)
	}

	return nil
}

// DeleteAlertState 删除报警状态（清除确认通过，回到 normal）
func (r *AlertRepository) DeleteAlertState(ctx context.Context, userID string, kind models.VitalKind) error {
	query := `
		DELETE FROM alert_states
		WHERE user_id = $1
		  AND vital_kind = $2
	`

	_, err := r.db.ExecContext(ctx, query, userID, string(kind))
	if err != nil {
		return fmt.Errorf("failed to delete alert state: %w", err)
	}

	return nil
}

// ListAlertStates 列出某用户的全部活跃报警状态
func (r *AlertRepository) ListAlertStates(ctx context.Context, userID string) ([]models.AlertState, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT user_id, vital_kind, tier, tier_entered_at, last_notified_at, last_notified_tier, normal_streak, clearing_since, updated_at
		FROM alert_states
		WHERE user_id = $1
		ORDER BY vital_kind
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert states: %w", err)
	}
	defer rows.Close()

	var states []models.AlertState
	for rows.Next() {
		var state models.AlertState
		var lastNotifiedAt, clearingSince sql.NullTime
		var lastNotifiedTier sql.NullString

		if err := rows.Scan(
			&state.UserID,
			&state.VitalKind,
			&state.Tier,
			&state.TierEnteredAt,
			&lastNotifiedAt,
			&lastNotifiedTier,
			&state.NormalStreak,
			&clearingSince,
			&state.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert state: %w", err)
		}

		if lastNotifiedAt.Valid {
			state.LastNotifiedAt = &lastNotifiedAt.Time
		}
		if lastNotifiedTier.Valid {
			state.LastNotifiedTier = models.Tier(lastNotifiedTier.String)
		}
		if clearingSince.Valid {
			state.ClearingSince = &clearingSince.Time
		}

		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert states: %w", err)
	}

	return states, nil
}

// CreateAlertEvent 写入报警生命周期事件（追加写）
func (r *AlertRepository) CreateAlertEvent(ctx context.Context, event *models.AlertEvent) error {
	query := `
		INSERT INTO alert_events (event_id, user_id, vital_kind, transition, tier, value, trigger_data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`

	_, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.UserID,
		string(event.VitalKind),
		string(event.Transition),
		string(event.Tier),
		event.Value,
		event.TriggerData,
	)
	if err != nil {
		return fmt.Errorf("failed to create alert event: %w", err)
	}

	return nil
}
