package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"
)

// serveLogged はハンドラーをロギングミドルウェア越しに1回呼び出し、出力されたログ1行を返す。
func serveLogged(t *testing.T, h http.Handler, req *http.Request) (map[string]any, *httptest.ResponseRecorder) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	w := httptest.NewRecorder()
	NewLoggingMiddleware(logger)(h).ServeHTTP(w, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry, w
}

func statusHandler(status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	})
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	entry, _ := serveLogged(t, statusHandler(http.StatusOK), httptest.NewRequest(http.MethodGet, "/track/day?date=2024-05-01", nil))

	if entry["msg"] != "http_request" {
		t.Errorf("msg = %v, want http_request", entry["msg"])
	}
	if entry["method"] != "GET" {
		t.Errorf("method = %v, want GET", entry["method"])
	}
	if entry["path"] != "/track/day" {
		t.Errorf("path = %v, want /track/day", entry["path"])
	}
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
		t.Errorf("duration_ms = %v", entry["duration_ms"])
	}
	if _, ok := entry["user_id"]; ok {
		t.Error("user_id must be omitted for anonymous requests")
	}
}

func TestLoggingMiddleware_LevelByStatus(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusCreated, "INFO"},
		{http.StatusBadRequest, "WARN"},
		{http.StatusNotFound, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			entry, _ := serveLogged(t, statusHandler(tt.status), httptest.NewRequest(http.MethodPost, "/track", nil))
			if entry["status"] != float64(tt.status) {
				t.Errorf("status = %v, want %d", entry["status"], tt.status)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
		})
	}
}

func TestLoggingMiddleware_ImplicitStatusAndBytes(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	})
	entry, _ := serveLogged(t, h, httptest.NewRequest(http.MethodGet, "/health", nil))

	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if entry["bytes"] != float64(5) {
		t.Errorf("bytes = %v, want 5", entry["bytes"])
	}
}

func TestLoggingMiddleware_UserIDFromContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/users/current", nil)
	req = req.WithContext(ContextWithUserID(req.Context(), "user-123"))

	entry, _ := serveLogged(t, statusHandler(http.StatusOK), req)
	if entry["user_id"] != "user-123" {
		t.Errorf("user_id = %v, want user-123", entry["user_id"])
	}
}

func TestLoggingMiddleware_UserIDFromInnerAuth(t *testing.T) {
	validator := &mockAccessTokenValidator{
		validateFn: func(tokenStr string) (string, error) { return "user-inner", nil },
	}
	inner := NewBearerAuthMiddleware(validator)(statusHandler(http.StatusOK))

	req := httptest.NewRequest(http.MethodGet, "/users/current", nil)
	req.Header.Set("Authorization", "Bearer token")

	entry, _ := serveLogged(t, inner, req)
	if entry["user_id"] != "user-inner" {
		t.Errorf("user_id = %v, want user-inner", entry["user_id"])
	}
}

func TestLoggingMiddleware_RequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := chimw.RequestID(NewLoggingMiddleware(logger)(statusHandler(http.StatusOK)))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-abc")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v", err)
	}
	if entry["request_id"] != "req-abc" {
		t.Errorf("request_id = %v, want req-abc", entry["request_id"])
	}
	if got := w.Header().Get("X-Request-Id"); got != "req-abc" {
		t.Errorf("X-Request-Id header = %q, want req-abc", got)
	}
}
