// Package repository はデータ永続化のインターフェースを定義する。
// users/topics/posts/notifications/site_settingsはフォーラム本体が所有するテーブルであり、
// 本サービスが書き込むのはuser_custom_fieldsのlast_digest_atと配信ログのみ。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// LastDigestAtField はuser_custom_fieldsに保存する最終ダイジェスト送信日時のフィールド名。
const LastDigestAtField = "last_digest_at"

// LastDigestAtLayout はlast_digest_atの保存形式（UTC）。
const LastDigestAtLayout = "2006-01-02 15:04:05"

// UserRepository はユーザーデータのインターフェース。
type UserRepository interface {
	// ListDigestCandidates は配信候補となるユーザーのスナップショットを取得する。
	// 実在・有効化済み・非stagedのユーザーに絞り込み、最終判定はSelectEligibleに委ねる。
	ListDigestCandidates(ctx context.Context) ([]model.User, error)

	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// UpdateLastDigestAt はユーザーの最終ダイジェスト送信日時を更新する。
	UpdateLastDigestAt(ctx context.Context, userID int64, at time.Time) error

	// CountNewUsersSince は指定日時以降に作成された有効なユーザー数を返す。
	CountNewUsersSince(ctx context.Context, since time.Time) (int, error)
}

// TopicRepository はダイジェスト用トピック検索のインターフェース。
type TopicRepository interface {
	// ListForDigest はsince以降に作成された、recipientが閲覧可能なトピックを取得する。
	ListForDigest(ctx context.Context, userID int64, since time.Time, q model.TopicQuery) ([]model.Topic, error)

	// CountForDigest はListForDigestと同じ条件（低トラストレベル除外）のトピック数を返す。
	CountForDigest(ctx context.Context, userID int64, since time.Time) (int, error)
}

// PostRepository はダイジェスト用投稿検索のインターフェース。
type PostRepository interface {
	// ListPopularForDigest はsince以降のスコア上位の返信投稿を取得する。
	ListPopularForDigest(ctx context.Context, userID int64, since time.Time, q model.PopularPostQuery) ([]model.Post, error)
}

// NotificationRepository は未読通知数のインターフェース。
type NotificationRepository interface {
	// CountUnread はプライベートメッセージ以外の未読通知数を返す。
	CountUnread(ctx context.Context, userID int64) (int, error)

	// CountUnreadPrivateMessages は未読プライベートメッセージ通知数を返す。
	CountUnreadPrivateMessages(ctx context.Context, userID int64) (int, error)

	// CountUnreadOfType は指定種別の未読通知数を返す。
	CountUnreadOfType(ctx context.Context, userID int64, t model.NotificationType) (int, error)
}

// SettingsRepository はsite_settingsテーブルのインターフェース。
type SettingsRepository interface {
	// FindValues は指定名の設定値を取得する。行が存在しない名前はmapに含まれない。
	FindValues(ctx context.Context, names []string) (map[string]string, error)
}

// DeliveryRepository はWebhook配信ログの永続化インターフェース。
type DeliveryRepository interface {
	// Create は配信ログを1件記録する。
	Create(ctx context.Context, record *model.DeliveryRecord) error

	// ListByUserID はユーザーの配信ログを新しい順に取得する。
	ListByUserID(ctx context.Context, userID int64, limit int) ([]model.DeliveryRecord, error)

	// DeleteOlderThan は指定日時より古い配信ログを削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// nullInt は0をsql.NullInt64に変換する。
func nullInt(i int) sql.NullInt64 {
	if i == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(i), Valid: true}
}

// nullTimePtr はsql.NullTimeをUTCの*time.Timeに変換する。
func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
