package digest

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"

	"github.com/hitoshi/webhook-digest/internal/model"
)

//go:embed templates/digest.html.tmpl
var templatesFS embed.FS

// Renderer はダイジェストをHTMLメール形式にレンダリングする。
type Renderer struct {
	tmpl     *template.Template
	siteName string
	baseURL  string
}

// renderData はテンプレートに渡す値。
type renderData struct {
	SiteName      string
	BaseURL       string
	Username      string
	Preheader     string
	LastSeenLabel string
	Stats         []model.Stat
	PopularTopics []model.TopicSummary
	OtherTopics   []model.TopicSummary
	PopularPosts  []model.PostSummary
}

// NewRenderer は埋め込みテンプレートからRendererを生成する。
func NewRenderer(siteName, baseURL string) (*Renderer, error) {
	tmpl, err := template.New("digest.html.tmpl").Funcs(template.FuncMap{
		// 抜粋はContentRendererでサニタイズ済み
		"trusted": func(s *string) template.HTML {
			if s == nil {
				return ""
			}
			return template.HTML(*s)
		},
		"trustedString": func(s string) template.HTML {
			return template.HTML(s)
		},
	}).ParseFS(templatesFS, "templates/digest.html.tmpl")
	if err != nil {
		return nil, fmt.Errorf("failed to parse digest template: %w", err)
	}
	return &Renderer{tmpl: tmpl, siteName: siteName, baseURL: baseURL}, nil
}

// Render はペイロードをHTML文字列にレンダリングする。
func (r *Renderer) Render(p *model.DigestPayload) (string, error) {
	data := renderData{
		SiteName:      r.siteName,
		BaseURL:       r.baseURL,
		Username:      p.Username,
		Stats:         p.Stats,
		PopularTopics: p.PopularTopics,
		OtherTopics:   p.OtherTopics,
		PopularPosts:  p.PopularPosts,
	}
	if p.PreheaderText != nil {
		data.Preheader = *p.PreheaderText
	}
	if p.LastSeenLabel != nil {
		data.LastSeenLabel = *p.LastSeenLabel
	}

	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute digest template: %w", err)
	}
	return buf.String(), nil
}
