// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound はユーザーが存在しない場合のエラー。
	ErrUserNotFound = errors.New("user not found")
	// ErrDigestDisabled はダイジェスト機能が無効な場合のエラー。
	ErrDigestDisabled = errors.New("webhook digest is disabled")
	// ErrTickInProgress は前回のティックが処理中の場合のエラー。
	ErrTickInProgress = errors.New("digest tick already in progress")
)

// DeliveryError はWebhook配信の失敗を表す。
// StatusCodeはレスポンスを受信できなかった場合は0。
type DeliveryError struct {
	TargetURL  string
	StatusCode int
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *DeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook delivery to %s failed with status %d", e.TargetURL, e.StatusCode)
	}
	return fmt.Sprintf("webhook delivery to %s failed: %v", e.TargetURL, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, digest, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInvalidUserID  = "INVALID_USER_ID"
	ErrCodeUserNotFound   = "USER_NOT_FOUND"
	ErrCodeTickInProgress = "TICK_IN_PROGRESS"
)

// NewUnauthorizedError はAPIキー不一致エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "APIキーが無効です。",
		Category: "auth",
		Action:   "X-API-KeyヘッダーにADMIN_API_KEYの値を指定してください。",
	}
}

// NewInvalidUserIDError は不正なユーザーIDエラーを生成する。
func NewInvalidUserIDError(raw string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidUserID,
		Message:  fmt.Sprintf("無効なユーザーIDです: %s", raw),
		Category: "validation",
		Action:   "正の整数のユーザーIDを指定してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError(userID int64) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("ユーザーが見つかりません: %d", userID),
		Category: "digest",
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewTickInProgressError は処理中ティックとの重複実行エラーを生成する。
func NewTickInProgressError() *APIError {
	return &APIError{
		Code:     ErrCodeTickInProgress,
		Message:  "ダイジェスト処理が実行中です。",
		Category: "digest",
		Action:   "処理の完了を待ってから再度お試しください。",
	}
}
