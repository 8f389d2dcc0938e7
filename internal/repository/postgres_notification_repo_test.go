package repository

import (
	"context"
	"testing"

	"github.com/hitoshi/webhook-digest/internal/model"
)

func TestPostgresNotificationRepo_Counts(t *testing.T) {
	db := setupForumDB(t)
	ctx := context.Background()

	mustExec(t, db, `INSERT INTO topics (id, title, user_id, created_at) VALUES (1, 'alive', 2, now())`)
	mustExec(t, db, `INSERT INTO topics (id, title, user_id, created_at, deleted_at) VALUES (2, 'gone', 2, now(), now())`)
	mustExec(t, db, `INSERT INTO notifications (user_id, notification_type, read, topic_id) VALUES
		(1, 1, false, 1),
		(1, 5, false, 1),
		(1, 5, false, NULL),
		(1, 5, true,  1),
		(1, 6, false, 1),
		(1, 2, false, 2),
		(9, 1, false, 1)`)

	repo := NewPostgresNotificationRepo(db)

	unread, err := repo.CountUnread(ctx, 1)
	if err != nil {
		t.Fatalf("CountUnread がエラーを返した: %v", err)
	}
	if unread != 3 {
		t.Errorf("CountUnread = %d, want 3", unread)
	}

	pms, err := repo.CountUnreadPrivateMessages(ctx, 1)
	if err != nil {
		t.Fatalf("CountUnreadPrivateMessages がエラーを返した: %v", err)
	}
	if pms != 1 {
		t.Errorf("CountUnreadPrivateMessages = %d, want 1", pms)
	}

	liked, err := repo.CountUnreadOfType(ctx, 1, model.NotificationTypeLiked)
	if err != nil {
		t.Fatalf("CountUnreadOfType がエラーを返した: %v", err)
	}
	if liked != 2 {
		t.Errorf("CountUnreadOfType(liked) = %d, want 2", liked)
	}
}
