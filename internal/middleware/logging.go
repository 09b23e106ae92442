package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// requestIDHeader はリクエストIDを返すレスポンスヘッダー。
const requestIDHeader = "X-Request-Id"

// wrapResponse はステータスコードと書き込みバイト数を記録するラッパーを返す。
func wrapResponse(w http.ResponseWriter, r *http.Request) chimw.WrapResponseWriter {
	return chimw.NewWrapResponseWriter(w, r.ProtoMajor)
}

// recordedStatus はハンドラーが何も書き込まなかった場合に200を返す。
func recordedStatus(ww chimw.WrapResponseWriter) int {
	if status := ww.Status(); status != 0 {
		return status
	}
	return http.StatusOK
}

// NewLoggingMiddleware はリクエストごとに1行のJSON構造化ログ（http_request）を出力するミドルウェアを返す。
// method, path, status, bytes, duration_ms, request_id と、認証済みならuser_idを含む。
// 4xxはWarn、5xxはErrorで出力する。
func NewLoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := chimw.GetReqID(r.Context())
			if requestID != "" {
				w.Header().Set(requestIDHeader, requestID)
			}

			// 内側の認証ミドルウェアがユーザーIDを書き込む領域
			var authenticatedUser string
			ctx := context.WithValue(r.Context(), userSlotContextKey, &authenticatedUser)

			ww := wrapResponse(w, r)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := recordedStatus(ww)
			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Float64("duration_ms", float64(time.Since(start).Nanoseconds())/float64(time.Millisecond)),
			}
			if requestID != "" {
				args = append(args, slog.String("request_id", requestID))
			}

			userID := authenticatedUser
			if userID == "" {
				userID, _ = UserIDFromContext(r.Context())
			}
			if userID != "" {
				args = append(args, slog.String("user_id", userID))
			}

			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "http_request", args...)
		})
	}
}
