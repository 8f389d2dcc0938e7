package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// PostgresDeliveryRepo はPostgreSQLを使用した配信ログリポジトリ。
type PostgresDeliveryRepo struct {
	db *sql.DB
}

// NewPostgresDeliveryRepo はPostgresDeliveryRepoを生成する。
func NewPostgresDeliveryRepo(db *sql.DB) *PostgresDeliveryRepo {
	return &PostgresDeliveryRepo{db: db}
}

// Create は配信ログを1件記録する。IDとCreatedAtが未設定の場合は採番する。
func (r *PostgresDeliveryRepo) Create(ctx context.Context, record *model.DeliveryRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_digest_deliveries (id, user_id, target_url, status, http_status, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ID, record.UserID, record.TargetURL, string(record.Status),
		nullInt(record.HTTPStatus), nullString(record.Error), record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert delivery record: %w", err)
	}
	return nil
}

// ListByUserID はユーザーの配信ログを新しい順に取得する。
func (r *PostgresDeliveryRepo) ListByUserID(ctx context.Context, userID int64, limit int) ([]model.DeliveryRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, target_url, status, http_status, error, created_at
		 FROM webhook_digest_deliveries
		 WHERE user_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list delivery records: %w", err)
	}
	defer rows.Close()

	var records []model.DeliveryRecord
	for rows.Next() {
		var rec model.DeliveryRecord
		var status string
		var httpStatus sql.NullInt64
		var errMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.TargetURL, &status, &httpStatus, &errMsg, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delivery record: %w", err)
		}
		rec.Status = model.DeliveryStatus(status)
		rec.HTTPStatus = int(httpStatus.Int64)
		rec.Error = nullStringValue(errMsg)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery records: %w", err)
	}
	return records, nil
}

// DeleteOlderThan は指定日時より古い配信ログを削除し、削除件数を返す。
func (r *PostgresDeliveryRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_digest_deliveries WHERE created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old delivery records: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ DeliveryRepository = (*PostgresDeliveryRepo)(nil)
