package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/navportal/internal/job"
	"github.com/hitoshi/navportal/internal/metrics"
	"github.com/hitoshi/navportal/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.Authenticator
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRFConfig        middleware.CSRFConfig
	Logger            *slog.Logger

	// 運用
	Health   HealthChecker
	Gatherer prometheus.Gatherer // nilの場合は/metricsを公開しない

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	PortalService     PortalServiceInterface
	CredentialService CredentialServiceInterface
	Downloads         job.Service
	UserService       UserServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → Logging → CORS → Session → CSRF → RateLimit(General)
//
// /health と /metrics はセッション・CSRFの対象外。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	portalHandler := NewPortalHandler(deps.PortalService)
	credHandler := NewCredentialHandler(deps.CredentialService)
	downloadHandler := NewDownloadHandler(deps.Downloads)
	adminHandler := NewAdminUserHandler(deps.UserService)

	csrf := middleware.NewCSRFMiddleware(deps.CSRFConfig)
	session := middleware.NewSessionMiddleware(deps.Authenticator)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.Health))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

	r.Route("/auth", func(r chi.Router) {
		r.Use(csrf)
		r.Post("/register", authHandler.Register)
		r.Post("/login", authHandler.Login)
		r.Post("/logout", authHandler.Logout)
		r.With(session).Get("/me", authHandler.Me)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(session)
		r.Use(csrf)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ポータル（参照は全ユーザー、変更は管理者のみ）
		r.Route("/api/portals", func(r chi.Router) {
			r.Get("/", portalHandler.List)
			r.With(middleware.RequireAdmin).Post("/", portalHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", portalHandler.Get)
				r.With(middleware.RequireAdmin).Put("/", portalHandler.Update)
				r.With(middleware.RequireAdmin).Delete("/", portalHandler.Delete)
				r.With(middleware.RequireAdmin).Get("/usage", portalHandler.Usage)
			})
		})

		// 認証情報
		r.Route("/api/credentials", func(r chi.Router) {
			r.Get("/", credHandler.List)
			r.Post("/", credHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", credHandler.Get)
				r.Put("/", credHandler.Update)
				r.Delete("/", credHandler.Delete)
			})
		})

		// ダウンロード
		r.Route("/api/downloads", func(r chi.Router) {
			// POST /api/downloads - 受付専用のレート制限を追加
			r.With(deps.RateLimiter.SubmitMiddleware()).Post("/", downloadHandler.Submit)
			r.Get("/", downloadHandler.List)

			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", downloadHandler.Delete)
				r.Get("/status", downloadHandler.Status)
				r.Get("/artifact", downloadHandler.Artifact)
			})
		})

		// 管理者向けユーザー管理
		r.Route("/api/admin/users", func(r chi.Router) {
			r.Use(middleware.RequireAdmin)
			r.Get("/", adminHandler.List)
			r.Post("/", adminHandler.Create)
			r.Post("/{id}/toggle-admin", adminHandler.ToggleAdmin)
			r.Delete("/{id}", adminHandler.Delete)
		})
	})

	return r
}
