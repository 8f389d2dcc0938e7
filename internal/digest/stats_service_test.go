package digest

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/webhook-digest/internal/cache"
	"github.com/hitoshi/webhook-digest/internal/model"
)

type mockUserRepo struct {
	listCandidatesFunc func(ctx context.Context) ([]model.User, error)
	findByIDFunc       func(ctx context.Context, id int64) (*model.User, error)
	updateLastFunc     func(ctx context.Context, userID int64, at time.Time) error
	countNewUsersFunc  func(ctx context.Context, since time.Time) (int, error)
}

func (m *mockUserRepo) ListDigestCandidates(ctx context.Context) ([]model.User, error) {
	if m.listCandidatesFunc != nil {
		return m.listCandidatesFunc(ctx)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	if m.findByIDFunc != nil {
		return m.findByIDFunc(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) UpdateLastDigestAt(ctx context.Context, userID int64, at time.Time) error {
	if m.updateLastFunc != nil {
		return m.updateLastFunc(ctx, userID, at)
	}
	return nil
}

func (m *mockUserRepo) CountNewUsersSince(ctx context.Context, since time.Time) (int, error) {
	if m.countNewUsersFunc != nil {
		return m.countNewUsersFunc(ctx, since)
	}
	return 0, nil
}

type mockNotificationRepo struct {
	unread, messages int
	byType           map[model.NotificationType]int
}

func (m *mockNotificationRepo) CountUnread(_ context.Context, _ int64) (int, error) {
	return m.unread, nil
}

func (m *mockNotificationRepo) CountUnreadPrivateMessages(_ context.Context, _ int64) (int, error) {
	return m.messages, nil
}

func (m *mockNotificationRepo) CountUnreadOfType(_ context.Context, _ int64, t model.NotificationType) (int, error) {
	return m.byType[t], nil
}

type failingCache struct{}

func (failingCache) GetInt(context.Context, string) (int, bool, error) {
	return 0, false, errors.New("cache down")
}

func (failingCache) SetInt(context.Context, string, int, time.Duration) error {
	return errors.New("cache down")
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func TestStatsService_NewUsersSince_CachesPerDay(t *testing.T) {
	var buf bytes.Buffer
	var calls int
	var gotSince time.Time
	users := &mockUserRepo{
		countNewUsersFunc: func(_ context.Context, since time.Time) (int, error) {
			calls++
			gotSince = since
			return 7, nil
		},
	}
	c := cache.NewMemoryCache()
	s := NewStatsService(&mockNotificationRepo{}, users, c, newTestLogger(&buf))

	since := time.Date(2026, 3, 9, 18, 30, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		got, err := s.NewUsersSince(context.Background(), since)
		if err != nil {
			t.Fatalf("NewUsersSince がエラーを返した: %v", err)
		}
		if got != 7 {
			t.Errorf("NewUsersSince = %d, want 7", got)
		}
	}

	if calls != 1 {
		t.Errorf("CountNewUsersSince calls = %d, want 1 (cached)", calls)
	}
	if !gotSince.Equal(time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("since = %v, want start of day", gotSince)
	}
	if v, ok, _ := c.GetInt(context.Background(), NewUsersCacheKey("2026-03-09")); !ok || v != 7 {
		t.Errorf("cache entry = %d/%v, want 7/true", v, ok)
	}
}

func TestStatsService_NewUsersSince_CacheFailureFallsBackToDB(t *testing.T) {
	var buf bytes.Buffer
	users := &mockUserRepo{
		countNewUsersFunc: func(_ context.Context, _ time.Time) (int, error) { return 4, nil },
	}
	s := NewStatsService(&mockNotificationRepo{}, users, failingCache{}, newTestLogger(&buf))

	got, err := s.NewUsersSince(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("NewUsersSince がエラーを返した: %v", err)
	}
	if got != 4 {
		t.Errorf("NewUsersSince = %d, want 4", got)
	}
	if !bytes.Contains(buf.Bytes(), []byte("WARN")) {
		t.Error("キャッシュ障害時は警告ログを出力する")
	}
}

func TestStatsService_UnreadCounts(t *testing.T) {
	var buf bytes.Buffer
	notifications := &mockNotificationRepo{
		unread:   3,
		messages: 1,
		byType:   map[model.NotificationType]int{model.NotificationTypeLiked: 5},
	}
	s := NewStatsService(notifications, &mockUserRepo{}, cache.NewMemoryCache(), newTestLogger(&buf))
	ctx := context.Background()

	if got, _ := s.UnreadNotifications(ctx, 1); got != 3 {
		t.Errorf("UnreadNotifications = %d, want 3", got)
	}
	if got, _ := s.UnreadPrivateMessages(ctx, 1); got != 1 {
		t.Errorf("UnreadPrivateMessages = %d, want 1", got)
	}
	if got, _ := s.UnreadLikes(ctx, 1); got != 5 {
		t.Errorf("UnreadLikes = %d, want 5", got)
	}
}
