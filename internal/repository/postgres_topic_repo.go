package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// PostgresTopicRepo はPostgreSQLを使用したトピックリポジトリ。
type PostgresTopicRepo struct {
	db *sql.DB
}

// NewPostgresTopicRepo はPostgresTopicRepoを生成する。
func NewPostgresTopicRepo(db *sql.DB) *PostgresTopicRepo {
	return &PostgresTopicRepo{db: db}
}

// digestTopicFrom はダイジェスト対象トピックの共通FROM句。
const digestTopicFrom = `
	FROM topics t
	JOIN users au ON au.id = t.user_id`

// digestTopicWhere はダイジェスト対象トピックの共通条件。
// $1=recipientのユーザーID, $2=since, $3=低トラストレベル作成者を含めるか。
// recipient自身のトピック、ミュートしたトピック・カテゴリのトピックは除外する。
const digestTopicWhere = `
	WHERE t.created_at > $2
	  AND t.deleted_at IS NULL
	  AND t.visible
	  AND t.archetype = 'regular'
	  AND NOT t.closed
	  AND NOT t.archived
	  AND t.user_id <> $1
	  AND ($3::boolean OR COALESCE(au.trust_level, 0) > 0)
	  AND NOT EXISTS (
	      SELECT 1 FROM topic_users tu
	      WHERE tu.topic_id = t.id AND tu.user_id = $1 AND tu.notification_level = 0)
	  AND NOT EXISTS (
	      SELECT 1 FROM category_users cu
	      WHERE cu.category_id = t.category_id AND cu.user_id = $1 AND cu.notification_level = 0)`

// buildListForDigestQuery はListForDigestのSQLと引数を組み立てる。
func buildListForDigestQuery(userID int64, since time.Time, q model.TopicQuery) (string, []any) {
	args := []any{userID, since, q.IncludeTL0}

	query := `
	SELECT t.id, t.title, COALESCE(t.slug, ''), t.user_id, t.created_at, t.bumped_at,
	       COALESCE(t.score, 0), t.posts_count, t.like_count, t.views,
	       p.id, p.cooked, p.created_at` +
		digestTopicFrom + `
	LEFT JOIN posts p ON p.topic_id = t.id AND p.post_number = 1 AND p.deleted_at IS NULL` +
		digestTopicWhere

	if q.CreatedBefore != nil {
		args = append(args, *q.CreatedBefore)
		query += fmt.Sprintf("\n\t  AND t.created_at < $%d", len(args))
	}

	if q.TopOrder {
		query += "\n\tORDER BY t.score DESC NULLS LAST, t.id DESC"
	} else {
		query += "\n\tORDER BY t.created_at DESC, t.id DESC"
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf("\n\tLIMIT $%d", len(args))
	}

	return query, args
}

// ListForDigest はsince以降に作成された、recipientが閲覧可能なトピックを取得する。
// TopOrderの場合はscore降順、それ以外は作成日時の降順で返す。
func (r *PostgresTopicRepo) ListForDigest(ctx context.Context, userID int64, since time.Time, q model.TopicQuery) ([]model.Topic, error) {
	query, args := buildListForDigestQuery(userID, since, q)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics for digest: %w", err)
	}
	defer rows.Close()

	var topics []model.Topic
	for rows.Next() {
		var t model.Topic
		var postID sql.NullInt64
		var cooked sql.NullString
		var postCreatedAt sql.NullTime
		if err := rows.Scan(
			&t.ID, &t.Title, &t.Slug, &t.UserID, &t.CreatedAt, &t.BumpedAt,
			&t.Score, &t.PostsCount, &t.LikeCount, &t.Views,
			&postID, &cooked, &postCreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan topic: %w", err)
		}
		if postID.Valid {
			t.FirstPost = &model.Post{
				ID:         postID.Int64,
				TopicID:    t.ID,
				UserID:     t.UserID,
				TopicTitle: t.Title,
				TopicSlug:  t.Slug,
				PostNumber: 1,
				Cooked:     nullStringValue(cooked),
				PostType:   model.PostTypeRegular,
				CreatedAt:  postCreatedAt.Time,
			}
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate topics: %w", err)
	}
	return topics, nil
}

// CountForDigest は低トラストレベル作成者を除いたダイジェスト対象トピック数を返す。
func (r *PostgresTopicRepo) CountForDigest(ctx context.Context, userID int64, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*)`+digestTopicFrom+digestTopicWhere,
		userID, since, false,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count topics for digest: %w", err)
	}
	return count, nil
}

// compile-time interface check
var _ TopicRepository = (*PostgresTopicRepo)(nil)
