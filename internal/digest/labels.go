package digest

import (
	"fmt"
	"time"
)

// ShortDate は最終訪問日の表示用ラベルを返す。
// nowと同じ年なら "Jan 2"、それ以外は "Jan 2, 2006" 形式。
func ShortDate(t, now time.Time) string {
	if t.Year() == now.Year() {
		return t.Format("Jan 2")
	}
	return t.Format("Jan 2, 2006")
}

// PreheaderText はダイジェスト冒頭のプレヘッダー文を返す。
func PreheaderText(siteName, lastSeenLabel string) string {
	return fmt.Sprintf("A brief summary of %s since your last visit on %s", siteName, lastSeenLabel)
}
