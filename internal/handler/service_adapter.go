package handler

import (
	"context"

	"github.com/hitoshi/watertrack/internal/auth"
	"github.com/hitoshi/watertrack/internal/model"
	"github.com/hitoshi/watertrack/internal/user"
)

// UserServiceAdapter は auth.Service と user.Service を UserServiceInterface に適合させるアダプタ。
// セッション操作は認証サービスへ、プロフィール操作はユーザーサービスへ委譲する。
type UserServiceAdapter struct {
	auth    *auth.Service
	profile *user.Service
}

// NewUserServiceAdapter はUserServiceAdapterを生成する。
func NewUserServiceAdapter(authSvc *auth.Service, profileSvc *user.Service) *UserServiceAdapter {
	return &UserServiceAdapter{auth: authSvc, profile: profileSvc}
}

// Register はユーザーを登録する。
func (a *UserServiceAdapter) Register(ctx context.Context, in auth.RegisterInput) (*model.User, error) {
	return a.auth.Register(ctx, in)
}

// Login はトークンの組を発行する。
func (a *UserServiceAdapter) Login(ctx context.Context, email, password string) (*auth.LoginResult, error) {
	return a.auth.Login(ctx, email, password)
}

// Refresh はリフレッシュトークンをローテーションする。
func (a *UserServiceAdapter) Refresh(ctx context.Context, refreshToken string) (*auth.TokenPair, error) {
	return a.auth.Refresh(ctx, refreshToken)
}

// Logout は保存済みリフレッシュトークンを削除する。
func (a *UserServiceAdapter) Logout(ctx context.Context, userID string) error {
	return a.auth.Logout(ctx, userID)
}

// GetCurrent は認証済みユーザーのプロフィールを返す。
func (a *UserServiceAdapter) GetCurrent(ctx context.Context, userID string) (*model.User, error) {
	return a.profile.GetCurrent(ctx, userID)
}

// UpdateProfile はプロフィールを部分更新する。
func (a *UserServiceAdapter) UpdateProfile(ctx context.Context, userID string, update model.ProfileUpdate) (*model.User, error) {
	return a.profile.UpdateProfile(ctx, userID, update)
}

// --- compile-time interface checks ---

var _ UserServiceInterface = (*UserServiceAdapter)(nil)
