package model

import "time"

// Topic はフォーラムのトピックを表す。
type Topic struct {
	ID         int64
	Title      string
	Slug       string
	UserID     int64
	CreatedAt  time.Time
	BumpedAt   time.Time
	Score      float64
	PostsCount int
	LikeCount  int
	Views      int
	FirstPost  *Post
}

// PostType は投稿種別を表す。値はフォーラム側の定義に合わせる。
type PostType int

const (
	PostTypeRegular     PostType = 1
	PostTypeModerator   PostType = 2
	PostTypeSmallAction PostType = 3
	PostTypeWhisper     PostType = 4
)

// Post はトピック内の投稿を表す。Cookedはレンダリング済みHTML。
type Post struct {
	ID          int64
	TopicID     int64
	UserID      int64
	Username    string
	TopicTitle  string
	TopicSlug   string
	PostNumber  int
	Cooked      string
	PostType    PostType
	Score       float64
	Hidden      bool
	UserDeleted bool
	DeletedAt   *time.Time
	CreatedAt   time.Time
}

// NotificationType は通知種別を表す。
type NotificationType int

const (
	NotificationTypeMentioned      NotificationType = 1
	NotificationTypeReplied        NotificationType = 2
	NotificationTypeQuoted         NotificationType = 3
	NotificationTypeEdited         NotificationType = 4
	NotificationTypeLiked          NotificationType = 5
	NotificationTypePrivateMessage NotificationType = 6
)

// TopicQuery はダイジェスト用トピック検索の条件。
type TopicQuery struct {
	Limit         int
	TopOrder      bool
	IncludeTL0    bool
	CreatedBefore *time.Time
}

// PopularPostQuery はダイジェスト用人気投稿検索の条件。
type PopularPostQuery struct {
	Limit         int
	MinScore      float64
	CreatedBefore time.Time
}
