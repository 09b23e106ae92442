package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/watertrack/internal/auth"
	"github.com/hitoshi/watertrack/internal/middleware"
	"github.com/hitoshi/watertrack/internal/model"
)

// --- モック定義 ---

// mockUserService はUserServiceInterfaceのモック実装。
type mockUserService struct {
	registerFn      func(ctx context.Context, in auth.RegisterInput) (*model.User, error)
	loginFn         func(ctx context.Context, email, password string) (*auth.LoginResult, error)
	refreshFn       func(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	logoutFn        func(ctx context.Context, userID string) error
	getCurrentFn    func(ctx context.Context, userID string) (*model.User, error)
	updateProfileFn func(ctx context.Context, userID string, update model.ProfileUpdate) (*model.User, error)
}

func (m *mockUserService) Register(ctx context.Context, in auth.RegisterInput) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, in)
	}
	return nil, nil
}

func (m *mockUserService) Login(ctx context.Context, email, password string) (*auth.LoginResult, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password)
	}
	return nil, nil
}

func (m *mockUserService) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, refreshToken)
	}
	return nil, nil
}

func (m *mockUserService) Logout(ctx context.Context, userID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, userID)
	}
	return nil
}

func (m *mockUserService) GetCurrent(ctx context.Context, userID string) (*model.User, error) {
	if m.getCurrentFn != nil {
		return m.getCurrentFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockUserService) UpdateProfile(ctx context.Context, userID string, update model.ProfileUpdate) (*model.User, error) {
	if m.updateProfileFn != nil {
		return m.updateProfileFn(ctx, userID, update)
	}
	return nil, nil
}

// --- テストヘルパー ---

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUserID(r.Context(), userID)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからAPIErrorレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal body: %v", err)
	}
	return bytes.NewReader(b)
}

func sampleUser() *model.User {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	return &model.User{
		ID:               "user-1",
		Email:            "a@example.com",
		PasswordHash:     "$2a$10$secret",
		Name:             "Alice",
		Gender:           "female",
		DailyNorm:        2000,
		RefreshTokenHash: "stored-digest",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// --- テスト ---

func TestUserHandler_Register_Created(t *testing.T) {
	var got auth.RegisterInput
	svc := &mockUserService{
		registerFn: func(ctx context.Context, in auth.RegisterInput) (*model.User, error) {
			got = in
			return &model.User{ID: "user-1", Email: "a@example.com"}, nil
		},
	}
	h := NewUserHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/users/register", jsonBody(t, map[string]any{
		"email": "a@example.com", "password": "pw", "repeatPassword": "pw", "weight": 61.5,
	}))
	w := httptest.NewRecorder()
	h.Register(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["id"] != "user-1" || body["email"] != "a@example.com" {
		t.Errorf("body = %v", body)
	}
	if got.RepeatPassword != "pw" || got.Weight == nil || *got.Weight != 61.5 || got.DailyNorm != nil {
		t.Errorf("input = %+v", got)
	}
}

func TestUserHandler_Register_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"パスワード不一致", model.NewPasswordMismatchError(), http.StatusBadRequest, model.ErrCodePasswordMismatch},
		{"メールアドレス重複", model.NewDuplicateEmailError(), http.StatusConflict, model.ErrCodeDuplicateEmail},
		{"入力値不正", model.NewValidationError("email is required"), http.StatusBadRequest, model.ErrCodeValidationFailed},
		{"内部エラー", errors.New("pq: connection refused"), http.StatusInternalServerError, model.ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewUserHandler(&mockUserService{
				registerFn: func(ctx context.Context, in auth.RegisterInput) (*model.User, error) {
					return nil, tt.err
				},
			})

			req := httptest.NewRequest(http.MethodPost, "/users/register", strings.NewReader(`{"email":"a@example.com"}`))
			w := httptest.NewRecorder()
			h.Register(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			resp := parseAPIErrorResponse(t, w)
			if resp["code"] != tt.wantCode {
				t.Errorf("code = %q, want %q", resp["code"], tt.wantCode)
			}
			if strings.Contains(resp["message"], "pq:") {
				t.Errorf("store error leaked into response: %q", resp["message"])
			}
		})
	}
}

func TestUserHandler_Register_InvalidJSON(t *testing.T) {
	h := NewUserHandler(&mockUserService{})

	req := httptest.NewRequest(http.MethodPost, "/users/register", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	h.Register(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if resp := parseAPIErrorResponse(t, w); resp["code"] != model.ErrCodeInvalidRequest {
		t.Errorf("code = %q, want %q", resp["code"], model.ErrCodeInvalidRequest)
	}
}

func TestUserHandler_Login_OmitsSecrets(t *testing.T) {
	expires := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	h := NewUserHandler(&mockUserService{
		loginFn: func(ctx context.Context, email, password string) (*auth.LoginResult, error) {
			if email != "a@example.com" || password != "pw" {
				return nil, model.NewInvalidCredentialsError()
			}
			return &auth.LoginResult{
				TokenPair: auth.TokenPair{
					AccessToken: "access.jwt", AccessTokenExpiresAt: expires,
					RefreshToken: "refresh.jwt", RefreshTokenExpiresAt: expires.Add(7 * 24 * time.Hour),
				},
				User: sampleUser(),
			}, nil
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/users/login", strings.NewReader(`{"email":"a@example.com","password":"pw"}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	raw := w.Body.String()
	for _, secret := range []string{"$2a$10$secret", "stored-digest", "passwordHash", "refreshTokenHash"} {
		if strings.Contains(raw, secret) {
			t.Errorf("response contains %q: %s", secret, raw)
		}
	}

	var body struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		User         struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"user"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.AccessToken != "access.jwt" || body.RefreshToken != "refresh.jwt" || body.User.ID != "user-1" {
		t.Errorf("body = %+v", body)
	}
}

func TestUserHandler_Login_InvalidCredentials(t *testing.T) {
	h := NewUserHandler(&mockUserService{
		loginFn: func(ctx context.Context, email, password string) (*auth.LoginResult, error) {
			return nil, model.NewInvalidCredentialsError()
		},
	})

	req := httptest.NewRequest(http.MethodPost, "/users/login", strings.NewReader(`{"email":"x@example.com","password":"bad"}`))
	w := httptest.NewRecorder()
	h.Login(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestUserHandler_Refresh(t *testing.T) {
	h := NewUserHandler(&mockUserService{
		refreshFn: func(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
			if refreshToken != "refresh.jwt" {
				return nil, model.NewInvalidTokenError()
			}
			return &auth.TokenPair{AccessToken: "a2", RefreshToken: "r2"}, nil
		},
	})

	t.Run("成功", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/users/refresh", strings.NewReader(`{"refreshToken":"refresh.jwt"}`))
		w := httptest.NewRecorder()
		h.Refresh(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var body map[string]any
		json.NewDecoder(w.Body).Decode(&body)
		if body["accessToken"] != "a2" || body["refreshToken"] != "r2" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("無効なトークン", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/users/refresh", strings.NewReader(`{"refreshToken":"stale"}`))
		w := httptest.NewRecorder()
		h.Refresh(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if resp := parseAPIErrorResponse(t, w); resp["code"] != model.ErrCodeInvalidToken {
			t.Errorf("code = %q, want %q", resp["code"], model.ErrCodeInvalidToken)
		}
	})
}

func TestUserHandler_Logout(t *testing.T) {
	var loggedOut string
	h := NewUserHandler(&mockUserService{
		logoutFn: func(ctx context.Context, userID string) error {
			loggedOut = userID
			return nil
		},
	})

	t.Run("認証済み", func(t *testing.T) {
		req := withUserID(httptest.NewRequest(http.MethodPost, "/users/logout", nil), "user-1")
		w := httptest.NewRecorder()
		h.Logout(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if loggedOut != "user-1" {
			t.Errorf("logged out %q, want user-1", loggedOut)
		}
	})

	t.Run("未認証", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/users/logout", nil)
		w := httptest.NewRecorder()
		h.Logout(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

func TestUserHandler_Current(t *testing.T) {
	h := NewUserHandler(&mockUserService{
		getCurrentFn: func(ctx context.Context, userID string) (*model.User, error) {
			if userID != "user-1" {
				return nil, model.NewUserNotFoundError()
			}
			return sampleUser(), nil
		},
	})

	req := withUserID(httptest.NewRequest(http.MethodGet, "/users/current", nil), "user-1")
	w := httptest.NewRecorder()
	h.Current(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["name"] != "Alice" || body["dailyNorm"] != float64(2000) {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["passwordHash"]; ok {
		t.Error("passwordHash must not be serialized")
	}

	req = withUserID(httptest.NewRequest(http.MethodGet, "/users/current", nil), "ghost")
	w = httptest.NewRecorder()
	h.Current(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestUserHandler_Update_PassesOnlyProvidedFields(t *testing.T) {
	var got model.ProfileUpdate
	h := NewUserHandler(&mockUserService{
		updateProfileFn: func(ctx context.Context, userID string, update model.ProfileUpdate) (*model.User, error) {
			got = update
			u := sampleUser()
			update.Apply(u)
			return u, nil
		},
	})

	req := withUserID(httptest.NewRequest(http.MethodPut, "/users/update", strings.NewReader(`{"weight":70,"name":"Bob"}`)), "user-1")
	w := httptest.NewRecorder()
	h.Update(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got.Weight == nil || *got.Weight != 70 || got.Name == nil || *got.Name != "Bob" {
		t.Errorf("update = %+v", got)
	}
	if got.Email != nil || got.Gender != nil || got.DailyNorm != nil {
		t.Errorf("unspecified fields set: %+v", got)
	}
}

func TestUserHandler_Update_NoFields(t *testing.T) {
	h := NewUserHandler(&mockUserService{
		updateProfileFn: func(ctx context.Context, userID string, update model.ProfileUpdate) (*model.User, error) {
			if update.IsEmpty() {
				return nil, model.NewNoUpdateFieldsError()
			}
			return sampleUser(), nil
		},
	})

	req := withUserID(httptest.NewRequest(http.MethodPut, "/users/update", strings.NewReader(`{}`)), "user-1")
	w := httptest.NewRecorder()
	h.Update(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if resp := parseAPIErrorResponse(t, w); resp["code"] != model.ErrCodeNoUpdateFields {
		t.Errorf("code = %q, want %q", resp["code"], model.ErrCodeNoUpdateFields)
	}
}
