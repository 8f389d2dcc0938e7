// Package excerpt は投稿本文（cooked HTML）からダイジェスト用の抜粋を生成する。
package excerpt

import (
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// contentSelector は抜粋の対象となるトップレベルのコンテンツノード。
const contentSelector = "body > p, aside.onebox, body > ul, body > blockquote"

// fallbackSelector はテキストを持つノードがない場合に先頭1件を採用するノード。
const fallbackSelector = "body > p, body > div"

// Extract はbodyから文書順にコンテンツノードを連結し、
// 可視テキスト長の累計がminLength以上になった時点で打ち切った抜粋を返す。
// テキストを持つノードがない場合は先頭の段落またはdivをそのまま返す（画像のみの段落など）。
// 該当ノードがない場合、またはパースできない場合は空文字列を返す。
func Extract(body string, minLength int) string {
	result, _ := extract(body, minLength)
	return result
}

// extract はExtractの本体。found はいずれかのノードが採用されたかを返す。
func extract(body string, minLength int) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", false
	}

	var sb strings.Builder
	length := 0
	done := false

	doc.Find(contentSelector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := s.Text()
		if strings.TrimSpace(text) == "" {
			return true
		}
		if err := renderNodes(&sb, s); err != nil {
			return true
		}
		length += utf8.RuneCountInString(text)
		if length >= minLength {
			done = true
			return false
		}
		return true
	})

	if done || sb.Len() > 0 {
		return sb.String(), true
	}

	first := doc.Find(fallbackSelector).First()
	if first.Length() == 0 {
		return "", false
	}
	var fb strings.Builder
	if err := renderNodes(&fb, first); err != nil {
		return "", false
	}
	return fb.String(), true
}

// renderNodes は選択ノードを外側のタグを含めてシリアライズする。
func renderNodes(sb *strings.Builder, s *goquery.Selection) error {
	for _, n := range s.Nodes {
		if n.Type != html.ElementNode {
			continue
		}
		if err := html.Render(sb, n); err != nil {
			return err
		}
	}
	return nil
}
