package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// PostgresNotificationRepo はPostgreSQLを使用した通知リポジトリ。
type PostgresNotificationRepo struct {
	db *sql.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sql.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

// CountUnread はプライベートメッセージ以外の未読通知数を返す。
// 削除済みトピックに紐づく通知は数えない。
func (r *PostgresNotificationRepo) CountUnread(ctx context.Context, userID int64) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM notifications n
		 LEFT JOIN topics t ON t.id = n.topic_id
		 WHERE n.user_id = $1
		   AND NOT n.read
		   AND n.notification_type <> $2
		   AND t.deleted_at IS NULL`,
		userID, int(model.NotificationTypePrivateMessage),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// CountUnreadPrivateMessages は未読プライベートメッセージ通知数を返す。
func (r *PostgresNotificationRepo) CountUnreadPrivateMessages(ctx context.Context, userID int64) (int, error) {
	return r.CountUnreadOfType(ctx, userID, model.NotificationTypePrivateMessage)
}

// CountUnreadOfType は指定種別の未読通知数を返す。
func (r *PostgresNotificationRepo) CountUnreadOfType(ctx context.Context, userID int64, t model.NotificationType) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM notifications n
		 LEFT JOIN topics t ON t.id = n.topic_id
		 WHERE n.user_id = $1
		   AND NOT n.read
		   AND n.notification_type = $2
		   AND t.deleted_at IS NULL`,
		userID, int(t),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications of type %d: %w", t, err)
	}
	return count, nil
}

// compile-time interface check
var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
