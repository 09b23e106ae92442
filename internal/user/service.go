// Package user はプロフィールの参照と更新を提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/watertrack/internal/model"
	"github.com/hitoshi/watertrack/internal/repository"
)

// TextSanitizer は自由入力テキストからマークアップを除去する。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// URLChecker はアバターURLを検証する。
type URLChecker interface {
	Check(ctx context.Context, rawURL string) error
}

// Service はプロフィール管理のサービス層。
type Service struct {
	userRepo  repository.UserRepository
	sanitizer TextSanitizer
	urls      URLChecker
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, sanitizer TextSanitizer, urls URLChecker) *Service {
	return &Service{
		userRepo:  userRepo,
		sanitizer: sanitizer,
		urls:      urls,
		now:       time.Now,
	}
}

// GetCurrent は認証済みユーザーのプロフィールを返す。
func (s *Service) GetCurrent(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	return user, nil
}

// UpdateProfile は指定された項目だけを更新し、更新後のプロフィールを返す。
// メールアドレスを変更する場合、他のユーザーが使用中であればDuplicateEmailを返す。
func (s *Service) UpdateProfile(ctx context.Context, userID string, update model.ProfileUpdate) (*model.User, error) {
	if update.IsEmpty() {
		return nil, model.NewNoUpdateFieldsError()
	}
	if err := model.ValidateNonNegative(update.DailyNorm, update.Weight, update.TimeActive); err != nil {
		return nil, err
	}

	if update.Email != nil {
		email, err := model.NormalizeEmail(*update.Email)
		if err != nil {
			return nil, err
		}
		update.Email = &email
	}
	if update.Name != nil {
		name := s.sanitizer.Sanitize(*update.Name)
		if name == "" {
			return nil, model.NewValidationError("name must not be empty")
		}
		update.Name = &name
	}
	if update.Gender != nil {
		gender := s.sanitizer.Sanitize(*update.Gender)
		if gender == "" {
			gender = model.DefaultGender
		}
		update.Gender = &gender
	}
	if update.AvatarURL != nil {
		if err := s.urls.Check(ctx, *update.AvatarURL); err != nil {
			return nil, model.NewValidationError(fmt.Sprintf("avatarURL: %v", err))
		}
	}

	user, err := s.GetCurrent(ctx, userID)
	if err != nil {
		return nil, err
	}

	if update.Email != nil && *update.Email != user.Email {
		other, err := s.userRepo.FindByEmail(ctx, *update.Email)
		if err != nil {
			return nil, fmt.Errorf("メールアドレスの確認に失敗しました: %w", err)
		}
		if other != nil && other.ID != user.ID {
			return nil, model.NewDuplicateEmailError()
		}
	}

	update.Apply(user)
	user.UpdatedAt = s.now().UTC()

	if err := s.userRepo.UpdateProfile(ctx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrDuplicateEmail):
			return nil, model.NewDuplicateEmailError()
		case errors.Is(err, repository.ErrNotFound):
			return nil, model.NewUserNotFoundError()
		}
		return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
	}

	slog.Info("profile updated", slog.String("user_id", userID))
	return user, nil
}
