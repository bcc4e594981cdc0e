package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/attendance/internal/metrics"
	"github.com/hitoshi/attendance/internal/middleware"
)

// HealthChecker はヘルスチェックで依存先の疎通を確認する。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Metrics           metrics.MetricsCollector
	// MetricsHandler は/metricsで公開するハンドラー。nilの場合はルートを登録しない。
	MetricsHandler http.Handler
	HealthChecker  HealthChecker

	SessionService SessionServiceInterface
	MeetingService MeetingServiceInterface
	OfflineQueue   OfflineQueueInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Participant → RateLimit
//
// /health と /metrics は参加者IDを要求しない。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Metrics))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	sessionHandler := NewSessionHandler(deps.SessionService, deps.Logger)
	offlineHandler := NewOfflineHandler(deps.OfflineQueue, deps.Logger)
	meetingHandler := NewMeetingHandler(deps.MeetingService, deps.Logger)

	// --- 参加者ID不要のルート ---
	r.Get("/health", healthHandler(deps.HealthChecker, deps.Logger))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 参加者IDが必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewParticipantMiddleware())
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Route("/api/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.StartSession)
			r.Post("/general", sessionHandler.StartGeneralSession)
			r.Get("/active", sessionHandler.GetActiveSession)
			r.Get("/history", sessionHandler.GetHistory)
			r.Get("/statistics", sessionHandler.GetStatistics)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sessionHandler.GetSessionDetails)
				r.Post("/check-in", sessionHandler.CheckIn)
				r.Post("/check-out", sessionHandler.CheckOut)
				r.Post("/end", sessionHandler.EndSession)
			})
		})

		r.Get("/api/meetings/nearby", meetingHandler.FindNearby)

		r.Route("/api/offline", func(r chi.Router) {
			r.Get("/status", offlineHandler.GetStatus)
			r.Post("/process", offlineHandler.ProcessQueue)

			r.Route("/operations", func(r chi.Router) {
				r.Post("/", offlineHandler.Enqueue)
				r.Delete("/", offlineHandler.Clear)
				r.Get("/pending", offlineHandler.ListPending)
				r.Get("/failed", offlineHandler.ListFailed)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", offlineHandler.GetOperation)
					r.Post("/process", offlineHandler.ProcessOne)
					r.Post("/retry", offlineHandler.Retry)
				})
			})
		})
	})

	return r
}

// healthHandler はDBの疎通を確認して200または503を返す。
func healthHandler(checker HealthChecker, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				logger.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
