package excerpt

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hitoshi/webhook-digest/internal/security"
)

// Formatter は投稿本文からメール・Webhook向けの抜粋を生成する。
// 抽出した抜粋内の相対URLをフォーラムの絶対URLに変換してからサニタイズする。
type Formatter struct {
	base      *url.URL
	minLength int
	sanitizer security.ContentSanitizer
}

// NewFormatter はFormatterを生成する。baseURLはフォーラムのBASE_URL。
func NewFormatter(baseURL string, minLength int, sanitizer security.ContentSanitizer) (*Formatter, error) {
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, err
	}
	return &Formatter{base: base, minLength: minLength, sanitizer: sanitizer}, nil
}

// Excerpt はcooked HTMLからサニタイズ済みの抜粋を返す。
// 抜粋対象のノードが1つもない場合は本文全体を対象にする。
func (f *Formatter) Excerpt(cooked string) string {
	fragment, found := extract(cooked, f.minLength)
	if !found {
		fragment = cooked
	}
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	return f.sanitizer.Sanitize(f.absolutize(fragment))
}

// absolutize はa[href]とimg[src]の相対URLをbaseからの絶対URLに置き換える。
func (f *Formatter) absolutize(fragment string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return fragment
	}

	rewrite := func(attr string) func(int, *goquery.Selection) {
		return func(_ int, s *goquery.Selection) {
			v, _ := s.Attr(attr)
			ref, err := url.Parse(strings.TrimSpace(v))
			if err != nil {
				s.RemoveAttr(attr)
				return
			}
			s.SetAttr(attr, f.base.ResolveReference(ref).String())
		}
	}
	doc.Find("a[href]").Each(rewrite("href"))
	doc.Find("img[src]").Each(rewrite("src"))

	out, err := doc.Find("body").Html()
	if err != nil {
		return fragment
	}
	return out
}
