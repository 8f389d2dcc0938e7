package digest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// TopicSource はダイジェスト対象トピックの取得元。
type TopicSource interface {
	ListForDigest(ctx context.Context, userID int64, since time.Time, q model.TopicQuery) ([]model.Topic, error)
	CountForDigest(ctx context.Context, userID int64, since time.Time) (int, error)
}

// PostSource は人気投稿の取得元。
type PostSource interface {
	ListPopularForDigest(ctx context.Context, userID int64, since time.Time, q model.PopularPostQuery) ([]model.Post, error)
}

// UserStatsProvider はユーザーごとの未読数と新規ユーザー数を提供する。
type UserStatsProvider interface {
	UnreadNotifications(ctx context.Context, userID int64) (int, error)
	UnreadPrivateMessages(ctx context.Context, userID int64) (int, error)
	UnreadLikes(ctx context.Context, userID int64) (int, error)
	NewUsersSince(ctx context.Context, since time.Time) (int, error)
}

// ContentRenderer は投稿本文からダイジェスト用の抜粋を生成する。
type ContentRenderer interface {
	Excerpt(cooked string) string
}

// ComposerOptions はComposerの調整値。
type ComposerOptions struct {
	BaseURL            string
	SiteName           string
	TopicsLimit        int
	OtherTopicsLimit   int
	PostsLimit         int
	LikeScoreWeight    float64
	EditingGracePeriod time.Duration
}

// lowTrustMinAge は低トラストレベル作成者のトピックで補う場合の最低経過時間。
const lowTrustMinAge = 24 * time.Hour

// Composer は1ユーザー分のダイジェストを組み立てる。
// 外部への書き込みは行わない。
type Composer struct {
	topics   TopicSource
	posts    PostSource
	stats    UserStatsProvider
	renderer ContentRenderer
	html     *Renderer
	opts     ComposerOptions
	now      func() time.Time
}

// NewComposer はComposerを生成する。
func NewComposer(
	topics TopicSource,
	posts PostSource,
	stats UserStatsProvider,
	renderer ContentRenderer,
	html *Renderer,
	opts ComposerOptions,
) *Composer {
	// 負の上限はスライス範囲外になるため0として扱う
	opts.TopicsLimit = max(opts.TopicsLimit, 0)
	opts.OtherTopicsLimit = max(opts.OtherTopicsLimit, 0)
	opts.PostsLimit = max(opts.PostsLimit, 0)

	return &Composer{
		topics:   topics,
		posts:    posts,
		stats:    stats,
		renderer: renderer,
		html:     html,
		opts:     opts,
		now:      time.Now,
	}
}

// Compose はsince以降の内容でユーザーのダイジェストを組み立てる。
// 人気トピックがない場合も、user_idとusernameのみを持つペイロードを返す。
// 問い合わせに失敗した場合はエラーを返す。
func (c *Composer) Compose(ctx context.Context, user *model.User, since time.Time) (*model.DigestPayload, error) {
	now := c.now()

	payload := &model.DigestPayload{
		UserID:   user.ID,
		Username: user.Username,
		Since:    since,
	}

	topics, err := c.candidateTopics(ctx, user, since, now)
	if err != nil {
		return nil, err
	}

	split := min(max(c.opts.TopicsLimit, 0), len(topics))
	popular := topics[:split]
	if len(popular) == 0 {
		return payload, nil
	}
	other := topics[split:]

	posts, err := c.popularPosts(ctx, user, since, now)
	if err != nil {
		return nil, err
	}

	payload.PopularTopics = make([]model.TopicSummary, 0, len(popular))
	for i := range popular {
		payload.PopularTopics = append(payload.PopularTopics, c.topicSummary(&popular[i], true))
	}
	payload.OtherTopics = make([]model.TopicSummary, 0, len(other))
	for i := range other {
		payload.OtherTopics = append(payload.OtherTopics, c.topicSummary(&other[i], false))
	}
	payload.PopularPosts = make([]model.PostSummary, 0, len(posts))
	for i := range posts {
		payload.PopularPosts = append(payload.PopularPosts, c.postSummary(&posts[i]))
	}

	stats, err := c.buildStats(ctx, user, since, len(topics))
	if err != nil {
		return nil, err
	}
	payload.Stats = stats

	lastSeen := user.CreatedAt
	if user.LastSeenAt != nil {
		lastSeen = *user.LastSeenAt
	}
	label := ShortDate(lastSeen, now)
	preheader := PreheaderText(c.opts.SiteName, label)
	payload.LastSeenLabel = &label
	payload.PreheaderText = &preheader

	return payload, nil
}

// ComposeFormats はダイジェストを組み立て、要求された形式でレンダリングした結果を格納する。
func (c *Composer) ComposeFormats(ctx context.Context, user *model.User, since time.Time, formats []model.DigestFormat) (*model.DigestPayload, error) {
	payload, err := c.Compose(ctx, user, since)
	if err != nil {
		return nil, err
	}
	if err := c.Render(payload, formats); err != nil {
		return nil, err
	}
	return payload, nil
}

// Render は要求された形式のレンダリング結果をpayloadに格納する。
func (c *Composer) Render(payload *model.DigestPayload, formats []model.DigestFormat) error {
	for _, f := range formats {
		switch f {
		case model.DigestFormatJSON:
			data, err := MarshalDigestJSON(payload)
			if err != nil {
				return fmt.Errorf("failed to render json digest: %w", err)
			}
			payload.RenderedJSON = data
		case model.DigestFormatHTML:
			if c.html == nil {
				return fmt.Errorf("html digest requested but no renderer is configured")
			}
			out, err := c.html.Render(payload)
			if err != nil {
				return fmt.Errorf("failed to render html digest: %w", err)
			}
			payload.RenderedHTML = &out
		}
	}
	return nil
}

// candidateTopics は人気順のトピックを取得する。
// 1件もなく、ユーザーが低トラストレベル作成者のトピックを除外している場合は、
// 作成から24時間以上経過したものに限って含めて取得し直す。
func (c *Composer) candidateTopics(ctx context.Context, user *model.User, since, now time.Time) ([]model.Topic, error) {
	q := model.TopicQuery{
		Limit:      c.opts.TopicsLimit + c.opts.OtherTopicsLimit,
		TopOrder:   true,
		IncludeTL0: user.DigestOptions.IncludeTL0InDigests,
	}
	topics, err := c.topics.ListForDigest(ctx, user.ID, since, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	if len(topics) > 0 || user.DigestOptions.IncludeTL0InDigests {
		return topics, nil
	}

	cutoff := now.Add(-lowTrustMinAge)
	q.IncludeTL0 = true
	q.CreatedBefore = &cutoff
	topics, err = c.topics.ListForDigest(ctx, user.ID, since, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list low trust topics: %w", err)
	}
	return topics, nil
}

func (c *Composer) popularPosts(ctx context.Context, user *model.User, since, now time.Time) ([]model.Post, error) {
	if c.opts.PostsLimit <= 0 {
		return nil, nil
	}
	posts, err := c.posts.ListPopularForDigest(ctx, user.ID, since, model.PopularPostQuery{
		Limit:         c.opts.PostsLimit,
		MinScore:      c.opts.LikeScoreWeight * 5,
		CreatedBefore: now.Add(-c.opts.EditingGracePeriod),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list popular posts: %w", err)
	}
	return posts, nil
}

func (c *Composer) topicSummary(t *model.Topic, withExcerpt bool) model.TopicSummary {
	s := model.TopicSummary{
		ID:         t.ID,
		Title:      t.Title,
		Slug:       t.Slug,
		URL:        c.topicURL(t.Slug, t.ID),
		CreatedAt:  t.CreatedAt,
		PostsCount: t.PostsCount,
		LikeCount:  t.LikeCount,
		Views:      t.Views,
		Score:      t.Score,
	}
	if t.FirstPost != nil {
		id := t.FirstPost.ID
		s.FirstPostID = &id
		if withExcerpt {
			excerpt := c.renderer.Excerpt(t.FirstPost.Cooked)
			s.Excerpt = &excerpt
		}
	}
	return s
}

func (c *Composer) postSummary(p *model.Post) model.PostSummary {
	return model.PostSummary{
		ID:         p.ID,
		TopicID:    p.TopicID,
		TopicTitle: p.TopicTitle,
		PostNumber: p.PostNumber,
		Username:   p.Username,
		URL:        c.topicURL(p.TopicSlug, p.TopicID) + "/" + strconv.Itoa(p.PostNumber),
		Score:      p.Score,
		CreatedAt:  p.CreatedAt,
		Excerpt:    c.renderer.Excerpt(p.Cooked),
	}
}

// topicURL はトピックの絶対URLを返す。slugが空の場合は "topic" を使う。
func (c *Composer) topicURL(slug string, id int64) string {
	if slug == "" {
		slug = "topic"
	}
	return c.opts.BaseURL + "/t/" + slug + "/" + strconv.FormatInt(id, 10)
}
