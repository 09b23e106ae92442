package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/watertrack/internal/auth"
	"github.com/hitoshi/watertrack/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	// Register はユーザーを登録する。
	Register(ctx context.Context, in auth.RegisterInput) (*model.User, error)
	// Login はトークンの組を発行する。
	Login(ctx context.Context, email, password string) (*auth.LoginResult, error)
	// Refresh はリフレッシュトークンをローテーションする。
	Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error)
	// Logout は保存済みリフレッシュトークンを削除する。
	Logout(ctx context.Context, userID string) error
	// GetCurrent は認証済みユーザーのプロフィールを返す。
	GetCurrent(ctx context.Context, userID string) (*model.User, error)
	// UpdateProfile はプロフィールを部分更新する。
	UpdateProfile(ctx context.Context, userID string, update model.ProfileUpdate) (*model.User, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{
		service: service,
	}
}

type registerRequest struct {
	Email          string   `json:"email"`
	Password       string   `json:"password"`
	RepeatPassword string   `json:"repeatPassword"`
	Name           string   `json:"name"`
	Gender         string   `json:"gender"`
	DailyNorm      *float64 `json:"dailyNorm"`
	Weight         *float64 `json:"weight"`
	TimeActive     *float64 `json:"timeActive"`
}

type registerResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// tokenPairResponse はトークンの組のレスポンス。保存済みハッシュは含めない。
type tokenPairResponse struct {
	AccessToken           string    `json:"accessToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

type loginResponse struct {
	tokenPairResponse
	User profileResponse `json:"user"`
}

// profileResponse はプロフィールのレスポンス。パスワードハッシュとトークンは含めない。
type profileResponse struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	Gender     string    `json:"gender"`
	DailyNorm  float64   `json:"dailyNorm"`
	Weight     float64   `json:"weight"`
	TimeActive float64   `json:"timeActive"`
	AvatarURL  string    `json:"avatarURL,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type updateProfileRequest struct {
	Name       *string  `json:"name"`
	Gender     *string  `json:"gender"`
	DailyNorm  *float64 `json:"dailyNorm"`
	Weight     *float64 `json:"weight"`
	TimeActive *float64 `json:"timeActive"`
	Email      *string  `json:"email"`
	AvatarURL  *string  `json:"avatarURL"`
}

func toProfileResponse(u *model.User) profileResponse {
	return profileResponse{
		ID:         u.ID,
		Email:      u.Email,
		Name:       u.Name,
		Gender:     u.Gender,
		DailyNorm:  u.DailyNorm,
		Weight:     u.Weight,
		TimeActive: u.TimeActive,
		AvatarURL:  u.AvatarURL,
		CreatedAt:  u.CreatedAt,
		UpdatedAt:  u.UpdatedAt,
	}
}

func toTokenPairResponse(p auth.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:           p.AccessToken,
		AccessTokenExpiresAt:  p.AccessTokenExpiresAt,
		RefreshToken:          p.RefreshToken,
		RefreshTokenExpiresAt: p.RefreshTokenExpiresAt,
	}
}

// Register はユーザー登録を処理する。
// POST /users/register
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	user, err := h.service.Register(r.Context(), auth.RegisterInput{
		Email:          req.Email,
		Password:       req.Password,
		RepeatPassword: req.RepeatPassword,
		Name:           req.Name,
		Gender:         req.Gender,
		DailyNorm:      req.DailyNorm,
		Weight:         req.Weight,
		TimeActive:     req.TimeActive,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{ID: user.ID, Email: user.Email})
}

// Login はログインを処理する。
// POST /users/login
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		tokenPairResponse: toTokenPairResponse(result.TokenPair),
		User:              toProfileResponse(result.User),
	})
}

// Refresh はトークンの更新を処理する。
// POST /users/refresh
func (h *UserHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	pair, err := h.service.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toTokenPairResponse(*pair))
}

// Logout はログアウトを処理する。
// POST /users/logout
func (h *UserHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Logout(r.Context(), userID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
}

// Current は認証済みユーザーのプロフィールを返す。
// GET /users/current
func (h *UserHandler) Current(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	user, err := h.service.GetCurrent(r.Context(), userID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(user))
}

// Update はプロフィールの部分更新を処理する。
// PUT /users/update
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req updateProfileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), userID, model.ProfileUpdate{
		Name:       req.Name,
		Gender:     req.Gender,
		DailyNorm:  req.DailyNorm,
		Weight:     req.Weight,
		TimeActive: req.TimeActive,
		Email:      req.Email,
		AvatarURL:  req.AvatarURL,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, toProfileResponse(user))
}
