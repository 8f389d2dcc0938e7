package middleware

import "net/http"

// NewSecurityHeadersMiddleware は全レスポンスにnosniff・DENY・no-storeを付与するミドルウェアを返す。
// プレビューにはユーザーの未読数やダイジェストHTMLが含まれるため、中継プロキシにもキャッシュさせない。
func NewSecurityHeadersMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Cache-Control", "no-store")
			next.ServeHTTP(w, r)
		})
	}
}
