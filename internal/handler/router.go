package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/watertrack/internal/metrics"
	"github.com/hitoshi/watertrack/internal/middleware"
	"github.com/hitoshi/watertrack/internal/model"
	"github.com/hitoshi/watertrack/internal/repository"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	TokenValidator    middleware.AccessTokenValidator
	CORSAllowedOrigin string
	Logger            *slog.Logger
	Metrics           metrics.MetricsCollector

	// 運用エンドポイント
	HealthChecker  repository.HealthChecker
	MetricsHandler http.Handler

	// ユーザー
	UserService UserServiceInterface

	// 記録
	TrackingService TrackingServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → Metrics → SecurityHeaders → CORS → (保護ルートのみ) BearerAuth
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewMetricsMiddleware(deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:     "NOT_FOUND",
			Message:  "指定されたエンドポイントは存在しません。",
			Category: "system",
			Action:   "URLを確認してください。",
		})
	})

	userHandler := NewUserHandler(deps.UserService)
	trackingHandler := NewTrackingHandler(deps.TrackingService)

	// --- 認証不要のルート ---

	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Post("/users/register", userHandler.Register)
	r.Post("/users/login", userHandler.Login)
	r.Post("/users/refresh", userHandler.Refresh)

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware(deps.TokenValidator))

		r.Get("/users/current", userHandler.Current)
		r.Put("/users/update", userHandler.Update)
		r.Post("/users/logout", userHandler.Logout)

		r.Route("/track", func(r chi.Router) {
			r.Post("/", trackingHandler.Create)
			r.Get("/day", trackingHandler.Day)
			r.Get("/month", trackingHandler.Month)
			r.Get("/month/stats", trackingHandler.MonthStats)
			r.Put("/{id}", trackingHandler.Update)
			r.Delete("/{id}", trackingHandler.Delete)
		})
	})

	return r
}
