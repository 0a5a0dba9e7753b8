package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/rentsession/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	CookieSecure      bool
	TrustProxyHeaders bool // trueの場合のみX-Forwarded-For等からクライアントIPを決める
	RateLimiter       *middleware.RateLimiter

	// セッション
	Service SessionService
	State   StateSource

	// 運用
	HealthChecks map[string]HealthCheck
	Metrics      http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP（TrustProxyHeaders時のみ） → Logging → Recovery → SecurityHeaders → CORS → CSRF（/api配下）
//
// ログイン・サインアップにはクライアントIPごとのレート制限を追加する。
// プロキシ配下でない場合、転送ヘッダーを書き換えて制限を回避できないようRemoteAddrを使う。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	if deps.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.Get("/health", NewHealthHandler(deps.HealthChecks, deps.Logger))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	csrfConfig := middleware.CSRFConfig{CookieSecure: deps.CookieSecure, Logger: deps.Logger}
	sessionHandler := NewSessionHandler(deps.Service, deps.State, deps.Logger)
	eventsHandler := NewEventsHandler(deps.State, deps.Logger, deps.CORSAllowedOrigin)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(csrfConfig))

		r.Get("/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig).ServeHTTP)

		r.Route("/session", func(r chi.Router) {
			r.Get("/", sessionHandler.Get)
			r.Get("/events", eventsHandler.ServeHTTP)

			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.CredentialMiddleware())
				r.Post("/login", sessionHandler.Login)
				r.Post("/signup", sessionHandler.Signup)
			})

			r.Post("/profile", sessionHandler.CompleteProfile)
			r.Post("/logout", sessionHandler.Logout)
		})
	})

	return r
}
