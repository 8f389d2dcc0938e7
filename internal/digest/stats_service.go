package digest

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/webhook-digest/internal/cache"
	"github.com/hitoshi/webhook-digest/internal/model"
	"github.com/hitoshi/webhook-digest/internal/repository"
)

// newUsersCacheTTL は新規ユーザー数キャッシュの保持期間。
const newUsersCacheTTL = 24 * time.Hour

// StatsService はリポジトリとキャッシュからUserStatsProviderを実装する。
type StatsService struct {
	notifications repository.NotificationRepository
	users         repository.UserRepository
	cache         cache.CounterCache
	logger        *slog.Logger
}

// NewStatsService はStatsServiceを生成する。
func NewStatsService(
	notifications repository.NotificationRepository,
	users repository.UserRepository,
	counterCache cache.CounterCache,
	logger *slog.Logger,
) *StatsService {
	return &StatsService{
		notifications: notifications,
		users:         users,
		cache:         counterCache,
		logger:        logger,
	}
}

// UnreadNotifications はプライベートメッセージ以外の未読通知数を返す。
func (s *StatsService) UnreadNotifications(ctx context.Context, userID int64) (int, error) {
	return s.notifications.CountUnread(ctx, userID)
}

// UnreadPrivateMessages は未読プライベートメッセージ数を返す。
func (s *StatsService) UnreadPrivateMessages(ctx context.Context, userID int64) (int, error) {
	return s.notifications.CountUnreadPrivateMessages(ctx, userID)
}

// UnreadLikes は未読のいいね通知数を返す。
func (s *StatsService) UnreadLikes(ctx context.Context, userID int64) (int, error) {
	return s.notifications.CountUnreadOfType(ctx, userID, model.NotificationTypeLiked)
}

// NewUsersCacheKey は新規ユーザー数のキャッシュキーを返す。
func NewUsersCacheKey(day string) string {
	return "summary-new-users:" + day
}

// NewUsersSince はsinceの日付（UTC）の0時以降に登録したユーザー数を返す。
// 日付単位で1日キャッシュする。キャッシュ障害時はDBの値をそのまま返す。
func (s *StatsService) NewUsersSince(ctx context.Context, since time.Time) (int, error) {
	day := since.UTC().Format("2006-01-02")
	key := NewUsersCacheKey(day)

	if v, ok, err := s.cache.GetInt(ctx, key); err != nil {
		s.logger.Warn("新規ユーザー数キャッシュの取得に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	} else if ok {
		return v, nil
	}

	start, _ := time.Parse("2006-01-02", day)
	count, err := s.users.CountNewUsersSince(ctx, start)
	if err != nil {
		return 0, err
	}

	if err := s.cache.SetInt(ctx, key, count, newUsersCacheTTL); err != nil {
		s.logger.Warn("新規ユーザー数キャッシュの保存に失敗しました",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
	return count, nil
}

var _ UserStatsProvider = (*StatsService)(nil)
