package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// userSelect はユーザー取得の共通SELECT句。
// last_digest_atはテキストで保存されているため、形式が一致する値のみtimestampに変換する。
const userSelect = `
	SELECT u.id, u.username, COALESCE(u.name, ''), u.created_at, u.last_seen_at,
	       CASE WHEN ucf.value ~ '^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$'
	            THEN ucf.value::timestamp
	            ELSE NULL END AS last_digest_at,
	       u.suspended_till, u.active, u.staged, u.approved, u.admin, u.moderator, u.trust_level,
	       COALESCE(uo.email_digests, true), COALESCE(uo.digest_after_minutes, 0),
	       COALESCE(uo.include_tl0_in_digests, false)
	FROM users u
	LEFT JOIN user_options uo ON uo.user_id = u.id
	LEFT JOIN user_custom_fields ucf ON ucf.user_id = u.id AND ucf.name = '` + LastDigestAtField + `'`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var lastSeen, lastDigest, suspendedTill sql.NullTime
	err := row.Scan(
		&u.ID, &u.Username, &u.Name, &u.CreatedAt, &lastSeen,
		&lastDigest,
		&suspendedTill, &u.Active, &u.Staged, &u.Approved, &u.Admin, &u.Moderator, &u.TrustLevel,
		&u.DigestOptions.EmailDigests, &u.DigestOptions.DigestAfterMinutes,
		&u.DigestOptions.IncludeTL0InDigests,
	)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.LastSeenAt = nullTimePtr(lastSeen)
	u.LastDigestAt = nullTimePtr(lastDigest)
	u.SuspendedTill = nullTimePtr(suspendedTill)
	return u, nil
}

// ListDigestCandidates は配信候補となるユーザーのスナップショットを取得する。
// 実在（id > 0）・有効化済み・非stagedで粗く絞り込む。
func (r *PostgresUserRepo) ListDigestCandidates(ctx context.Context) ([]model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		userSelect+`
		 WHERE u.id > 0 AND u.active AND NOT u.staged
		 ORDER BY u.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list digest candidates: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, userSelect+` WHERE u.id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return u, nil
}

// UpdateLastDigestAt はuser_custom_fieldsのlast_digest_atを置き換える。
// 既存行の削除と挿入を同一トランザクションで行う。
func (r *PostgresUserRepo) UpdateLastDigestAt(ctx context.Context, userID int64, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM user_custom_fields WHERE user_id = $1 AND name = $2`,
		userID, LastDigestAtField,
	)
	if err != nil {
		return fmt.Errorf("failed to delete last_digest_at: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO user_custom_fields (user_id, name, value, created_at, updated_at)
		 VALUES ($1, $2, $3, now(), now())`,
		userID, LastDigestAtField, at.UTC().Format(LastDigestAtLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert last_digest_at: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CountNewUsersSince は指定日時以降に作成された実在・有効・非凍結のユーザー数を返す。
func (r *PostgresUserRepo) CountNewUsersSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM users
		 WHERE id > 0 AND active AND NOT staged
		   AND (suspended_till IS NULL OR suspended_till <= now())
		   AND created_at > $1`,
		since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count new users: %w", err)
	}
	return count, nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
