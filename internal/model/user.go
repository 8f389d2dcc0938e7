// Package model はドメインモデルを定義する。
package model

import "time"

// User はダイジェスト配信対象となるフォーラムユーザーを表す。
// フォーラム側のusersテーブルが所有者であり、本サービスからは読み取り専用。
// LastDigestAtのみDispatcherが更新する。
type User struct {
	ID            int64
	Username      string
	Name          string
	CreatedAt     time.Time
	LastSeenAt    *time.Time
	LastDigestAt  *time.Time
	SuspendedTill *time.Time
	Active        bool
	Staged        bool
	Approved      bool
	Admin         bool
	Moderator     bool
	TrustLevel    int
	DigestOptions DigestOptions
}

// DigestOptions はユーザーごとのダイジェスト設定（user_options）を表す。
type DigestOptions struct {
	EmailDigests        bool
	DigestAfterMinutes  int
	IncludeTL0InDigests bool
}

// IsReal はシステムユーザー（ID <= 0）でないかを返す。
func (u *User) IsReal() bool {
	return u.ID > 0
}

// IsSuspended は指定時刻に凍結中かを返す。
func (u *User) IsSuspended(now time.Time) bool {
	return u.SuspendedTill != nil && u.SuspendedTill.After(now)
}

// IsStaff は管理者またはモデレーターかを返す。
func (u *User) IsStaff() bool {
	return u.Admin || u.Moderator
}

// DigestWindowStart は最終ダイジェスト送信日時と最終訪問日時の遅い方を返す。
// どちらも未設定の場合はnilを返す（PostgreSQLのGREATESTと同じくNULLは無視される）。
func (u *User) DigestWindowStart() *time.Time {
	switch {
	case u.LastDigestAt == nil:
		return u.LastSeenAt
	case u.LastSeenAt == nil:
		return u.LastDigestAt
	case u.LastDigestAt.After(*u.LastSeenAt):
		return u.LastDigestAt
	default:
		return u.LastSeenAt
	}
}
