package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
)

// PostgresSettingsRepo はフォーラムのsite_settingsテーブルを読み取るリポジトリ。
type PostgresSettingsRepo struct {
	db *sql.DB
}

// NewPostgresSettingsRepo はPostgresSettingsRepoを生成する。
func NewPostgresSettingsRepo(db *sql.DB) *PostgresSettingsRepo {
	return &PostgresSettingsRepo{db: db}
}

// FindValues は指定名の設定値を取得する。行が存在しない名前はmapに含まれない。
func (r *PostgresSettingsRepo) FindValues(ctx context.Context, names []string) (map[string]string, error) {
	values := make(map[string]string, len(names))
	if len(names) == 0 {
		return values, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT name, COALESCE(value, '') FROM site_settings WHERE name = ANY($1)`,
		pq.Array(names),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query site settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan site setting: %w", err)
		}
		values[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate site settings: %w", err)
	}
	return values, nil
}

// compile-time interface check
var _ SettingsRepository = (*PostgresSettingsRepo)(nil)
