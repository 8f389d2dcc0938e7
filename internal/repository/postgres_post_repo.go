package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// ListPopularForDigest はsince以降に作成されたスコア上位の返信投稿を取得する。
// 通常投稿のみを対象とし、削除・非表示・本人削除済みの投稿と先頭投稿は除外する。
// 編集猶予期間中（CreatedBefore以降に作成）の投稿も除外する。
// 投稿先はダイジェスト対象トピックと同じ閲覧条件を満たすものに限る。
func (r *PostgresPostRepo) ListPopularForDigest(ctx context.Context, userID int64, since time.Time, q model.PopularPostQuery) ([]model.Post, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT p.id, p.topic_id, p.user_id, COALESCE(pu.username, ''), t.title, COALESCE(t.slug, ''),
		        p.post_number, p.cooked, p.post_type, COALESCE(p.score, 0), p.created_at
		 FROM posts p
		 JOIN topics t ON t.id = p.topic_id
		 LEFT JOIN users pu ON pu.id = p.user_id
		 WHERE p.created_at > $2
		   AND p.user_id <> $1
		   AND p.post_type = $3
		   AND p.deleted_at IS NULL
		   AND NOT p.hidden
		   AND NOT p.user_deleted
		   AND p.post_number > 1
		   AND p.score > $4
		   AND p.created_at < $5
		   AND t.deleted_at IS NULL
		   AND t.visible
		   AND t.archetype = 'regular'
		   AND NOT EXISTS (
		       SELECT 1 FROM topic_users tu
		       WHERE tu.topic_id = t.id AND tu.user_id = $1 AND tu.notification_level = 0)
		   AND NOT EXISTS (
		       SELECT 1 FROM category_users cu
		       WHERE cu.category_id = t.category_id AND cu.user_id = $1 AND cu.notification_level = 0)
		 ORDER BY p.score DESC, p.id DESC
		 LIMIT $6`,
		userID, since, int(model.PostTypeRegular), q.MinScore, q.CreatedBefore, q.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list popular posts: %w", err)
	}
	defer rows.Close()

	var posts []model.Post
	for rows.Next() {
		var p model.Post
		var postType int
		if err := rows.Scan(
			&p.ID, &p.TopicID, &p.UserID, &p.Username, &p.TopicTitle, &p.TopicSlug,
			&p.PostNumber, &p.Cooked, &postType, &p.Score, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		p.PostType = model.PostType(postType)
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate posts: %w", err)
	}
	return posts, nil
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
