package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// APIKeyHeader は管理APIの認証ヘッダー名。
const APIKeyHeader = "X-API-Key"

// NewAPIKeyMiddleware はX-API-Keyヘッダーが一致しないリクエストを401で拒否するミドルウェアを返す。
// 比較は定数時間で行う。
func NewAPIKeyMiddleware(apiKey string) func(next http.Handler) http.Handler {
	expected := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(APIKeyHeader))
			if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
