package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// ErrorResponseBody は管理API・ヘルスチェックで共通のエラーレスポンス。
// 呼び出し元は運用スクリプトを想定しており、codeで分岐しactionを運用者に表示する。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse はapiErrをErrorResponseBodyとして書き込む。
// 認証失敗（401）、レート制限（429）、入力エラー（400）、ティック重複（409）で使う。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteInternalServerError はDB障害やpanicなど内部要因の500を書き込む。
// 原因はログのみに記録し、レスポンスにはSQLや送信先URLを含めない。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}
