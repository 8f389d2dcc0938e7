// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizer はダイジェストに埋め込む投稿抜粋のHTMLを、
// メール・Webhook受信側で安全に表示できる形に整える。
// bluemondayの許可リストベースのポリシーで、安全なタグと属性のみを通過させる。
package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer はHTMLコンテンツのサニタイズ機能のインターフェースを定義する。
type ContentSanitizer interface {
	// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(rawHTML string) string
}

// emailSanitizer はメール向け抜粋用のContentSanitizer実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type emailSanitizer struct {
	policy *bluemonday.Policy
}

// NewEmailSanitizer はダイジェスト抜粋用のContentSanitizerを生成する。
// ポリシーの内容:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, pre, code, strong, em, b, i, h1-h6, img
//   - onebox埋め込み: aside, article, header, div（class属性のみ）
//   - a/imgのURL: http/httpsの絶対URLのみ（相対URLは事前に絶対化しておくこと）
//   - script, iframe, styleおよびon*イベント属性は除去
func NewEmailSanitizer() *emailSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "b", "i",
		"h1", "h2", "h3", "h4", "h5", "h6",
	)

	p.AllowElements("aside", "article", "header", "div")
	p.AllowAttrs("class").OnElements("aside", "article", "header", "div")

	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt", "title").OnElements("img")
	p.AllowAttrs("width", "height").Matching(bluemonday.Integer).OnElements("img")

	p.AllowURLSchemes("http", "https")
	p.AllowRelativeURLs(false)
	p.RequireParseableURLs(true)

	return &emailSanitizer{policy: p}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *emailSanitizer) Sanitize(rawHTML string) string {
	return s.policy.Sanitize(rawHTML)
}

var _ ContentSanitizer = (*emailSanitizer)(nil)
