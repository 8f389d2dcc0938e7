package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/webhook-digest/internal/metrics"
	"github.com/hitoshi/webhook-digest/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer
	Logger        *slog.Logger

	// 管理API。AdminAPIKeyが空の場合は管理APIを公開しない。
	AdminAPIKey string
	Users       UserFinder
	Composer    DigestPreviewer
	Runner      TickRunner
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders
//
// 管理API（/api/*）にはさらに APIKey → RateLimit を適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 管理API ---
	if deps.AdminAPIKey == "" {
		return r
	}

	digestHandler := NewDigestHandler(deps.Users, deps.Composer, deps.Runner, deps.Logger)

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAPIKeyMiddleware(deps.AdminAPIKey))
		r.Use(middleware.NewRateLimitMiddleware(middleware.DefaultAdminRate, middleware.DefaultAdminBurst))

		r.Route("/api/digests", func(r chi.Router) {
			r.Get("/{userID}/preview", digestHandler.Preview)
			r.Post("/run", digestHandler.Run)
		})
	})

	return r
}
