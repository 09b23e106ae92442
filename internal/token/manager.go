// Package token はアクセストークンとリフレッシュトークンの発行・検証を行う。
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken はトークンが不正な場合に返される。
// 形式不正・署名不一致・kid不一致・アルゴリズム不一致・期限切れを区別しない。
var ErrInvalidToken = errors.New("invalid token")

// Config はトークン発行の設定。
type Config struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessKeyID   string
	RefreshKeyID  string
	Issuer        string
	Audience      string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration

	// Now は現在時刻を返す。nilの場合はtime.Now。
	Now func() time.Time
}

// Claims はトークンのクレーム。idにユーザーIDを格納する。
type Claims struct {
	UserID string `json:"id"`
	jwt.RegisteredClaims
}

// Manager はHS256で署名されたトークンを発行・検証する。
// アクセストークンとリフレッシュトークンは別の鍵とkidで署名する。
type Manager struct {
	cfg Config
}

// NewManager は設定を検証してManagerを生成する。
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.AccessSecret) == 0 || len(cfg.RefreshSecret) == 0 {
		return nil, errors.New("token secrets must not be empty")
	}
	if string(cfg.AccessSecret) == string(cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}
	cfg.AccessKeyID = strings.TrimSpace(cfg.AccessKeyID)
	cfg.RefreshKeyID = strings.TrimSpace(cfg.RefreshKeyID)
	if cfg.AccessKeyID == "" || cfg.RefreshKeyID == "" {
		return nil, errors.New("key ids are required")
	}
	if cfg.AccessKeyID == cfg.RefreshKeyID {
		return nil, errors.New("access and refresh key ids must differ")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg}, nil
}

// AccessTTL はアクセストークンの有効期間を返す。
func (m *Manager) AccessTTL() time.Duration {
	return m.cfg.AccessTTL
}

// IssueAccessToken はアクセストークンを発行する。
func (m *Manager) IssueAccessToken(userID string) (string, time.Time, error) {
	now := m.cfg.Now()
	expiresAt := now.Add(m.cfg.AccessTTL)
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Audience:  jwt.ClaimStrings{m.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := m.sign(claims, m.cfg.AccessKeyID, m.cfg.AccessSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// IssueRefreshToken はリフレッシュトークンを発行する。issuerとaudienceは含めない。
func (m *Manager) IssueRefreshToken(userID string) (string, time.Time, error) {
	now := m.cfg.Now()
	expiresAt := now.Add(m.cfg.RefreshTTL)
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	}
	signed, err := m.sign(claims, m.cfg.RefreshKeyID, m.cfg.RefreshSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return signed, expiresAt, nil
}

func (m *Manager) sign(claims Claims, keyID string, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = keyID
	return token.SignedString(secret)
}

// ValidateAccessToken はアクセストークンを検証し、ユーザーIDを返す。
// 署名・kid・issuer・audience・有効期限をすべて検査する。
func (m *Manager) ValidateAccessToken(tokenStr string) (string, error) {
	claims, err := m.parse(tokenStr, m.cfg.AccessKeyID, m.cfg.AccessSecret,
		jwt.WithIssuer(m.cfg.Issuer),
		jwt.WithAudience(m.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.cfg.Now),
	)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

// ValidateExpiredRefreshToken はリフレッシュトークンの署名とkidのみを検証する。
// 有効期限などの時刻に関する検査は行わない。失効判定は保存済みトークンとの照合で行うこと。
func (m *Manager) ValidateExpiredRefreshToken(tokenStr string) (*Claims, error) {
	return m.parse(tokenStr, m.cfg.RefreshKeyID, m.cfg.RefreshSecret,
		jwt.WithoutClaimsValidation(),
	)
}

func (m *Manager) parse(tokenStr, keyID string, secret []byte, opts ...jwt.ParserOption) (*Claims, error) {
	opts = append(opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	parser := jwt.NewParser(opts...)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		if kid != keyID {
			return nil, errors.New("unknown kid")
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: missing id claim", ErrInvalidToken)
	}
	return claims, nil
}
