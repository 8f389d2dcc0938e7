// Package digest はダイジェストの対象ユーザー判定と内容の組み立てを行う。
package digest

import (
	"time"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// SelectEligible はダイジェスト送信対象のユーザーIDを返す。
//
// 対象となる条件:
//   - 実在ユーザー（ID > 0）で、nowの時点で凍結されていない
//   - 有効化済みかつstagedでない
//   - mustApproveの場合は承認済み、またはモデレーター・管理者
//   - 最終送信日時と最終訪問日時の遅い方が now - intervalHours より厳密に前
//
// 最終送信日時と最終訪問日時がどちらも未設定のユーザーは対象外。
// 副作用はなく、入力の順序を保って返す。
func SelectEligible(users []model.User, now time.Time, intervalHours int, mustApprove bool) []int64 {
	threshold := now.Add(-time.Duration(intervalHours) * time.Hour)

	var ids []int64
	for i := range users {
		u := &users[i]
		if !u.IsReal() || u.IsSuspended(now) || !u.Active || u.Staged {
			continue
		}
		if mustApprove && !u.Approved && !u.IsStaff() {
			continue
		}
		start := u.DigestWindowStart()
		if start == nil || !start.Before(threshold) {
			continue
		}
		ids = append(ids, u.ID)
	}
	return ids
}

// ResolveSince はダイジェストの集計開始日時を決める。
// 最終送信日時と最終訪問日時の遅い方を使い、どちらもなければ1か月前とする。
func ResolveSince(u *model.User, now time.Time) time.Time {
	if start := u.DigestWindowStart(); start != nil {
		return *start
	}
	return now.AddDate(0, -1, 0)
}
