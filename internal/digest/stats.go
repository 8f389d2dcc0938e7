package digest

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// MaxStats はダイジェスト冒頭に表示する統計値の上限。
const MaxStats = 3

// 統計値のラベルキー
const (
	StatNewTopics           = "user_notifications.digest.new_topics"
	StatUnreadNotifications = "user_notifications.digest.unread_notifications"
	StatUnreadMessages      = "user_notifications.digest.unread_messages"
	StatLikedReceived       = "user_notifications.digest.liked_received"
	StatNewUsers            = "user_notifications.digest.new_users"
)

var statLabels = map[string]string{
	StatNewTopics:           "New Topics",
	StatUnreadNotifications: "Unread Notifications",
	StatUnreadMessages:      "Unread Messages",
	StatLikedReceived:       "Likes Received",
	StatNewUsers:            "New Users",
}

// newUsersMinDigestMinutes はユーザーのダイジェスト頻度がこれ以上の場合のみ新規ユーザー数を表示する。
const newUsersMinDigestMinutes = 1440

// buildStats は優先順に最大3件の統計値を集める。
// 新規トピック数は常に含め、0の場合は実際に掲載するトピック数で代替する。
// 以降の項目は値が0のものを省略し、3件に達した時点で問い合わせを打ち切る。
func (c *Composer) buildStats(ctx context.Context, user *model.User, since time.Time, shownTopics int) ([]model.Stat, error) {
	newTopics, err := c.topics.CountForDigest(ctx, user.ID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count new topics: %w", err)
	}
	if newTopics == 0 {
		newTopics = shownTopics
	}

	stats := []model.Stat{c.stat(StatNewTopics, newTopics, "/new")}

	unread, err := c.stats.UnreadNotifications(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	if unread > 0 {
		stats = append(stats, c.stat(StatUnreadNotifications, unread, "/my/notifications"))
	}

	messages, err := c.stats.UnreadPrivateMessages(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count unread messages: %w", err)
	}
	if messages > 0 {
		stats = append(stats, c.stat(StatUnreadMessages, messages, "/my/messages"))
	}

	if len(stats) < MaxStats {
		liked, err := c.stats.UnreadLikes(ctx, user.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count unread likes: %w", err)
		}
		if liked > 0 {
			stats = append(stats, c.stat(StatLikedReceived, liked, "/my/notifications"))
		}
	}

	if len(stats) < MaxStats && user.DigestOptions.DigestAfterMinutes >= newUsersMinDigestMinutes {
		newUsers, err := c.stats.NewUsersSince(ctx, since)
		if err != nil {
			return nil, fmt.Errorf("failed to count new users: %w", err)
		}
		if newUsers > 0 {
			stats = append(stats, c.stat(StatNewUsers, newUsers, "/about"))
		}
	}

	return stats, nil
}

func (c *Composer) stat(key string, value int, path string) model.Stat {
	return model.Stat{
		LabelKey: key,
		Label:    statLabels[key],
		Value:    value,
		Href:     c.opts.BaseURL + path,
	}
}
