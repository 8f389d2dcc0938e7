package middleware

import (
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/hitoshi/webhook-digest/internal/model"
)

// DefaultAdminRate は管理APIの既定レート（req/sec）。60 req/min。
const DefaultAdminRate = rate.Limit(1)

// DefaultAdminBurst は管理APIの既定バーストサイズ。
const DefaultAdminBurst = 10

// NewRateLimitMiddleware はプロセス全体で共有するトークンバケットで
// リクエストを制限するミドルウェアを返す。
// 管理APIはプレビューのたびにDBへ問い合わせるため、呼び出し元を問わず上限を設ける。
func NewRateLimitMiddleware(r rate.Limit, burst int) func(next http.Handler) http.Handler {
	limiter := rate.NewLimiter(r, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !limiter.Allow() {
				writeRateLimitResponse(w, r)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーにはトークンが補充されるまでの推定秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	retryAfterSec := 1
	if r > 0 && r != rate.Inf {
		retryAfterSec = max(1, int(math.Ceil(1.0/float64(r))))
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, &model.APIError{
		Code:     "RATE_LIMIT_EXCEEDED",
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	})
}
