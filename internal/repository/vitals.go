package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"artemis-health/internal/models"

	"go.uber.org/zap"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("not found")

// VitalsRepository 生命体征读数仓库
type VitalsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewVitalsRepository 创建生命体征读数仓库
func NewVitalsRepository(db *sql.DB, logger *zap.Logger) *VitalsRepository {
	return &VitalsRepository{
		db:     db,
		logger: logger,
	}
}

// InsertReading 写入一次读数
// 同一 (user_id, device_id, recorded_at) 的重复写入被幂等忽略，返回 false
func (r *VitalsRepository) InsertReading(ctx context.Context, reading *models.VitalsReading) (bool, error) {
	vitalsJSON, err := json.Marshal(reading.Vitals)
	if err != nil {
		return false, fmt.Errorf("failed to marshal vitals: %w", err)
	}

	query := `
		INSERT INTO vitals_readings (user_id, device_id, recorded_at, vitals, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (user_id, device_id, recorded_at) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		reading.UserID,
		reading.DeviceID,
		reading.RecordedAt,
		vitalsJSON,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert vitals reading: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected > 0, nil
}

// ListReadingsSince 按时间升序读取某用户指定时间之后的读数
func (r *VitalsRepository) ListReadingsSince(ctx context.Context, userID string, since time.Time) ([]models.VitalsReading, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}

	query := `
		SELECT user_id, device_id, recorded_at, vitals, created_at
		FROM vitals_readings
		WHERE user_id = $1
		  AND recorded_at >= $2
		ORDER BY recorded_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query vitals readings: %w", err)
	}
	defer rows.Close()

	var readings []models.VitalsReading
	for rows.Next() {
		var reading models.VitalsReading
		var vitalsJSON []byte

		if err := rows.Scan(
			&reading.UserID,
			&reading.DeviceID,
			&reading.RecordedAt,
			&vitalsJSON,
			&reading.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan vitals reading: %w", err)
		}

		if err := json.Unmarshal(vitalsJSON, &reading.Vitals); err != nil {
			return nil, fmt.Errorf("failed to unmarshal vitals: %w", err)
		}

		readings = append(readings, reading)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate vitals readings: %w", err)
	}

	return readings, nil
}

// ListActiveUserIDs 返回指定时间之后有读数写入的用户（供洞察聚合使用）
func (r *VitalsRepository) ListActiveUserIDs(ctx context.Context, since time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT user_id
		FROM vitals_readings
		WHERE created_at >= $1
	`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query active users: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan user_id: %w", err)
		}
		userIDs = append(userIDs, userID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate active users: %w", err)
	}

	return userIDs, nil
}
