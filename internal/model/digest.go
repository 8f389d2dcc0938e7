package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// DigestFormat はWebhookへ送信するペイロード形式を表す。
type DigestFormat string

const (
	// DigestFormatJSON は構造化ダイジェスト。
	DigestFormatJSON DigestFormat = "json"
	// DigestFormatHTML はレンダリング済みHTML。
	DigestFormatHTML DigestFormat = "html"
)

// ValidIntervalHours はwebhook_digest_intervalとして許可される時間数。
var ValidIntervalHours = []int{1, 12, 24, 48, 168, 336, 720, 1440, 3268, 8760}

// IsValidIntervalHours は時間数が許可リストに含まれるかを返す。
func IsValidIntervalHours(hours int) bool {
	return slices.Contains(ValidIntervalHours, hours)
}

// ParseDigestFormats はカンマ区切りの形式リストをパースする。
// 重複は除去し、空要素は無視する。未知の形式はエラーを返す。
func ParseDigestFormats(s string) ([]DigestFormat, error) {
	var formats []DigestFormat
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		f := DigestFormat(part)
		if f != DigestFormatJSON && f != DigestFormatHTML {
			return nil, fmt.Errorf("unknown digest format: %q", part)
		}
		if !slices.Contains(formats, f) {
			formats = append(formats, f)
		}
	}
	return formats, nil
}

// Settings は1ティックで使用するダイジェスト設定のスナップショット。
type Settings struct {
	Enabled       bool
	IntervalHours int
	Formats       []DigestFormat
}

// Interval は時間数をtime.Durationで返す。
func (s Settings) Interval() time.Duration {
	return time.Duration(s.IntervalHours) * time.Hour
}

// Stat はダイジェスト冒頭に表示する統計値。
type Stat struct {
	LabelKey string `json:"label_key"`
	Label    string `json:"label"`
	Value    int    `json:"value"`
	Href     string `json:"href"`
}

// TopicSummary はダイジェストに掲載するトピックの要約。
type TopicSummary struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Slug        string    `json:"slug"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"created_at"`
	PostsCount  int       `json:"posts_count"`
	LikeCount   int       `json:"like_count"`
	Views       int       `json:"views"`
	Score       float64   `json:"score"`
	FirstPostID *int64    `json:"first_post_id"`
	Excerpt     *string   `json:"excerpt"`
}

// PostSummary はダイジェストに掲載する人気投稿の要約。
type PostSummary struct {
	ID         int64     `json:"id"`
	TopicID    int64     `json:"topic_id"`
	TopicTitle string    `json:"topic_title"`
	PostNumber int       `json:"post_number"`
	Username   string    `json:"username"`
	URL        string    `json:"url"`
	Score      float64   `json:"score"`
	CreatedAt  time.Time `json:"created_at"`
	Excerpt    string    `json:"excerpt"`
}

// DigestPayload は1ユーザー・1ティック分のダイジェスト。送信後に破棄される。
// ポインタのフィールドはnilで「未設定」を表す。
type DigestPayload struct {
	UserID        int64
	Username      string
	Since         time.Time
	Stats         []Stat
	PopularTopics []TopicSummary
	OtherTopics   []TopicSummary
	PopularPosts  []PostSummary
	LastSeenLabel *string
	PreheaderText *string
	RenderedHTML  *string
	RenderedJSON  []byte
}

// HasContent は人気トピックが1件以上あるかを返す。
func (p *DigestPayload) HasContent() bool {
	return len(p.PopularTopics) > 0
}

// WebhookTarget はダイジェストの送信先。Formatsが空の場合は要求された全形式を受け付ける。
type WebhookTarget struct {
	URL     string         `yaml:"url"`
	Formats []DigestFormat `yaml:"formats"`
	Secret  string         `yaml:"secret"`
}

// Accepts は指定形式を受け付けるかを返す。
func (t WebhookTarget) Accepts(f DigestFormat) bool {
	return len(t.Formats) == 0 || slices.Contains(t.Formats, f)
}

// DeliveryStatus は配信結果の種別。
type DeliveryStatus string

const (
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// DeliveryRecord はWebhook配信1回分の監査ログ。
type DeliveryRecord struct {
	ID         string
	UserID     int64
	TargetURL  string
	Status     DeliveryStatus
	HTTPStatus int
	Error      string
	CreatedAt  time.Time
}
