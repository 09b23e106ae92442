// Package model はドメインモデルを定義する。
package model

import (
	"net/mail"
	"strings"
	"time"
)

// ユーザープロフィールのデフォルト値。
const (
	DefaultUserName  = "User"
	DefaultGender    = "undefined"
	DefaultDailyNorm = 2000
)

// User はサービス利用ユーザーを表す。
// PasswordHashとRefreshTokenHashはAPIレスポンスに含めてはならない。
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Name         string
	Gender       string
	DailyNorm    float64
	Weight       float64
	TimeActive   float64
	AvatarURL    string

	// RefreshTokenHash は現在有効なリフレッシュトークンのSHA-256ダイジェスト（hex）。
	// 空文字列の場合はログアウト済み（有効なリフレッシュトークンなし）。
	RefreshTokenHash      string
	RefreshTokenExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasActiveRefreshToken は保存済みリフレッシュトークンがnow時点で有効かどうかを返す。
func (u *User) HasActiveRefreshToken(now time.Time) bool {
	if u.RefreshTokenHash == "" {
		return false
	}
	if u.RefreshTokenExpiresAt == nil {
		return false
	}
	return now.Before(*u.RefreshTokenExpiresAt)
}

// ProfileUpdate はプロフィールの部分更新内容を表す。
// nilのフィールドは変更しない。
type ProfileUpdate struct {
	Name       *string
	Gender     *string
	DailyNorm  *float64
	Weight     *float64
	TimeActive *float64
	Email      *string
	AvatarURL  *string
}

// IsEmpty は更新対象のフィールドが1つもない場合にtrueを返す。
func (p ProfileUpdate) IsEmpty() bool {
	return p.Name == nil && p.Gender == nil && p.DailyNorm == nil &&
		p.Weight == nil && p.TimeActive == nil && p.Email == nil && p.AvatarURL == nil
}

// Apply は更新内容をユーザーに反映する。
func (p ProfileUpdate) Apply(u *User) {
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Gender != nil {
		u.Gender = *p.Gender
	}
	if p.DailyNorm != nil {
		u.DailyNorm = *p.DailyNorm
	}
	if p.Weight != nil {
		u.Weight = *p.Weight
	}
	if p.TimeActive != nil {
		u.TimeActive = *p.TimeActive
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.AvatarURL != nil {
		u.AvatarURL = *p.AvatarURL
	}
}

// NormalizeEmail はメールアドレスを検証し、前後の空白を除いて小文字にする。
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", NewValidationError("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", NewValidationError("email is invalid")
	}
	return email, nil
}

// ValidateNonNegative は数値のプロフィール項目が負でないことを検証する。nilは無視する。
func ValidateNonNegative(values ...*float64) error {
	for _, v := range values {
		if v != nil && *v < 0 {
			return NewValidationError("numeric profile fields must not be negative")
		}
	}
	return nil
}
