// Package cleanup は配信ログの自動削除ジョブを提供する。
// 保持期間（デフォルト14日）を超過したwebhook_digest_deliveriesの行を日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DeliveryPruner は指定日時より古い配信ログを削除する。
type DeliveryPruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した配信ログの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	deliveries    DeliveryPruner
	logger        *slog.Logger
	RetentionDays int // 配信ログの保持日数（デフォルト: 14）
	now           func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は14日。
func NewCleanupJob(deliveries DeliveryPruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		deliveries:    deliveries,
		logger:        logger,
		RetentionDays: 14,
		now:           time.Now,
	}
}

// Run は保持期間を超過した配信ログを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	before := j.now().AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.deliveries.DeleteOlderThan(ctx, before)
	if err != nil {
		j.logger.Error("配信ログクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("配信ログクリーンアップの実行に失敗: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("配信ログクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は指定間隔でRunを繰り返す。起動直後に1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
