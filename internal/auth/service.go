// Package auth はユーザー登録・ログイン・トークン更新・ログアウトを提供する。
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/watertrack/internal/events"
	"github.com/hitoshi/watertrack/internal/metrics"
	"github.com/hitoshi/watertrack/internal/model"
	"github.com/hitoshi/watertrack/internal/repository"
	"github.com/hitoshi/watertrack/internal/security"
	"github.com/hitoshi/watertrack/internal/token"
)

// maxPasswordBytes はbcryptが扱えるパスワードの最大バイト数。
const maxPasswordBytes = 72

// TokenIssuer はトークンの発行と検証を行う。
type TokenIssuer interface {
	IssueAccessToken(userID string) (string, time.Time, error)
	IssueRefreshToken(userID string) (string, time.Time, error)
	ValidateExpiredRefreshToken(tokenStr string) (*token.Claims, error)
}

// PasswordHasher はパスワードのハッシュ化と照合を行う。
type PasswordHasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) error
	CompareDummy(password string) error
}

// TextSanitizer は自由入力テキストからマークアップを除去する。
type TextSanitizer interface {
	Sanitize(raw string) string
}

// Deps はServiceの依存関係。Publisher, Metrics, Nowは省略可能。
type Deps struct {
	Users     repository.UserRepository
	Tokens    TokenIssuer
	Hasher    PasswordHasher
	Sanitizer TextSanitizer
	Publisher events.Publisher
	Metrics   metrics.MetricsCollector
	Now       func() time.Time
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	users     repository.UserRepository
	tokens    TokenIssuer
	hasher    PasswordHasher
	sanitizer TextSanitizer
	publisher events.Publisher
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewService はServiceを生成する。
func NewService(deps Deps) *Service {
	s := &Service{
		users:     deps.Users,
		tokens:    deps.Tokens,
		hasher:    deps.Hasher,
		sanitizer: deps.Sanitizer,
		publisher: deps.Publisher,
		metrics:   metrics.OrNop(deps.Metrics),
		now:       deps.Now,
	}
	if s.publisher == nil {
		s.publisher = events.NoopPublisher{}
	}
	if s.sanitizer == nil {
		s.sanitizer = security.NewTextSanitizer()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// RegisterInput はユーザー登録の入力。
// プロフィール項目は省略可能で、省略時はデフォルト値が使われる。
type RegisterInput struct {
	Email          string
	Password       string
	RepeatPassword string
	Name           string
	Gender         string
	DailyNorm      *float64
	Weight         *float64
	TimeActive     *float64
}

// TokenPair はアクセストークンとリフレッシュトークンの組。
type TokenPair struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// LoginResult はログイン結果。
type LoginResult struct {
	TokenPair
	User *model.User
}

// Register はユーザーを登録する。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.User, error) {
	user, err := s.register(ctx, in)
	s.recordOutcome("register", err)
	return user, err
}

func (s *Service) register(ctx context.Context, in RegisterInput) (*model.User, error) {
	email, err := model.NormalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if in.Password == "" {
		return nil, model.NewValidationError("password is required")
	}
	if len(in.Password) > maxPasswordBytes {
		return nil, model.NewValidationError(fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes))
	}
	if in.Password != in.RepeatPassword {
		return nil, model.NewPasswordMismatchError()
	}
	if err := model.ValidateNonNegative(in.DailyNorm, in.Weight, in.TimeActive); err != nil {
		return nil, err
	}

	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if existing != nil {
		return nil, model.NewDuplicateEmailError()
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		Name:         s.textOrDefault(in.Name, model.DefaultUserName),
		Gender:       s.textOrDefault(in.Gender, model.DefaultGender),
		DailyNorm:    valueOr(in.DailyNorm, model.DefaultDailyNorm),
		Weight:       valueOr(in.Weight, 0),
		TimeActive:   valueOr(in.TimeActive, 0),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		// 事前チェック後に同じメールアドレスで登録された場合
		if errors.Is(err, repository.ErrDuplicateEmail) {
			return nil, model.NewDuplicateEmailError()
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	slog.Info("user registered", slog.String("user_id", user.ID))
	events.Emit(ctx, s.publisher, events.Event{
		Type:   events.TypeUserRegistered,
		UserID: user.ID,
	})
	return user, nil
}

// Login はメールアドレスとパスワードを検証し、トークンの組を発行する。
// 保存済みのリフレッシュトークンは上書きされ、以前のトークンは使えなくなる。
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	result, err := s.login(ctx, email, password)
	s.recordOutcome("login", err)
	return result, err
}

func (s *Service) login(ctx context.Context, email, password string) (*LoginResult, error) {
	normalized := strings.ToLower(strings.TrimSpace(email))
	if normalized == "" || password == "" {
		return nil, model.NewInvalidCredentialsError()
	}

	user, err := s.users.FindByEmail(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		_ = s.hasher.CompareDummy(password)
		return nil, model.NewInvalidCredentialsError()
	}

	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		if errors.Is(err, security.ErrPasswordMismatch) {
			return nil, model.NewInvalidCredentialsError()
		}
		return nil, err
	}

	pair, err := s.issuePair(user.ID)
	if err != nil {
		return nil, err
	}
	if err := s.users.SetRefreshToken(ctx, user.ID, HashToken(pair.RefreshToken), pair.RefreshTokenExpiresAt); err != nil {
		return nil, fmt.Errorf("failed to store refresh token: %w", err)
	}

	slog.Info("user logged in", slog.String("user_id", user.ID))
	return &LoginResult{TokenPair: *pair, User: user}, nil
}

// Refresh はリフレッシュトークンを検証し、新しいトークンの組を発行する。
// 提示されたトークンが保存値と一致する場合のみ成功し、保存値は新しいトークンに置き換わる。
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	pair, err := s.refresh(ctx, refreshToken)
	s.recordOutcome("refresh", err)
	return pair, err
}

func (s *Service) refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if refreshToken == "" {
		return nil, model.NewInvalidTokenError()
	}

	claims, err := s.tokens.ValidateExpiredRefreshToken(refreshToken)
	if err != nil {
		return nil, model.NewInvalidTokenError()
	}

	user, err := s.users.FindByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, model.NewInvalidTokenError()
	}

	presented := HashToken(refreshToken)
	if user.RefreshTokenHash != presented || !user.HasActiveRefreshToken(s.now()) {
		slog.Warn("refresh token rejected", slog.String("user_id", user.ID))
		return nil, model.NewInvalidTokenError()
	}

	pair, err := s.issuePair(user.ID)
	if err != nil {
		return nil, err
	}

	rotated, err := s.users.RotateRefreshToken(ctx, user.ID, presented, HashToken(pair.RefreshToken), pair.RefreshTokenExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if !rotated {
		// 同じトークンによる別のリフレッシュが先に成功した
		slog.Warn("refresh token already rotated", slog.String("user_id", user.ID))
		return nil, model.NewInvalidTokenError()
	}

	slog.Info("refresh token rotated", slog.String("user_id", user.ID))
	return pair, nil
}

// Logout は保存済みのリフレッシュトークンを削除する。何度呼んでもよい。
func (s *Service) Logout(ctx context.Context, userID string) error {
	err := s.users.ClearRefreshToken(ctx, userID)
	if err != nil {
		err = fmt.Errorf("failed to clear refresh token: %w", err)
	}
	s.recordOutcome("logout", err)
	if err != nil {
		return err
	}

	slog.Info("user logged out", slog.String("user_id", userID))
	return nil
}

func (s *Service) issuePair(userID string) (*TokenPair, error) {
	access, accessExp, err := s.tokens.IssueAccessToken(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	refresh, refreshExp, err := s.tokens.IssueRefreshToken(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}
	return &TokenPair{
		AccessToken:           access,
		AccessTokenExpiresAt:  accessExp,
		RefreshToken:          refresh,
		RefreshTokenExpiresAt: refreshExp,
	}, nil
}

func (s *Service) recordOutcome(event string, err error) {
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	}
	s.metrics.RecordAuthEvent(event, outcome)
}

func (s *Service) textOrDefault(raw, def string) string {
	if cleaned := s.sanitizer.Sanitize(raw); cleaned != "" {
		return cleaned
	}
	return def
}

// HashToken はトークンのSHA-256ダイジェスト（hex）を返す。
// ストアにはトークン自体ではなくこの値を保存する。
func HashToken(tok string) string {
	sum := sha256.Sum256([]byte(tok))
	return hex.EncodeToString(sum[:])
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}
