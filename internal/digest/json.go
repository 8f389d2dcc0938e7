package digest

import (
	"encoding/json"
	"time"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// DigestJSON はWebhook本文の "json" キーに格納する構造化ダイジェスト。
// 人気トピックがない場合、counts・other_new_for_you・ラベル類はnullになる。
type DigestJSON struct {
	Since          time.Time            `json:"since"`
	LastSeenAt     *string              `json:"last_seen_at"`
	PreheaderText  *string              `json:"preheader_text"`
	PopularTopics  []model.TopicSummary `json:"popular_topics"`
	Counts         []model.Stat         `json:"counts"`
	OtherNewForYou []model.TopicSummary `json:"other_new_for_you"`
	PopularPosts   []model.PostSummary  `json:"popular_posts"`
}

// NewDigestJSON はペイロードから構造化ダイジェストを生成する。
func NewDigestJSON(p *model.DigestPayload) DigestJSON {
	d := DigestJSON{
		Since:          p.Since,
		LastSeenAt:     p.LastSeenLabel,
		PreheaderText:  p.PreheaderText,
		PopularTopics:  p.PopularTopics,
		Counts:         p.Stats,
		OtherNewForYou: p.OtherTopics,
		PopularPosts:   p.PopularPosts,
	}
	if d.PopularTopics == nil {
		d.PopularTopics = []model.TopicSummary{}
	}
	return d
}

// MarshalDigestJSON は構造化ダイジェストをJSONにエンコードする。
func MarshalDigestJSON(p *model.DigestPayload) ([]byte, error) {
	return json.Marshal(NewDigestJSON(p))
}
