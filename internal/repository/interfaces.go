// Package repository はデータ永続化のインターフェースと実装を提供する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/watertrack/internal/model"
)

// ErrDuplicateEmail は同じメールアドレスのユーザーが既に存在する場合に返される。
var ErrDuplicateEmail = errors.New("email already exists")

// ErrNotFound は更新・削除対象が存在しない場合に返される。
// 記録の場合は「IDが一致し、かつ所有者が一致するもの」が存在しないことを意味する。
var ErrNotFound = errors.New("not found")

// UserRepository はユーザーデータ（認証情報ストア）の永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。
	// メールアドレスが既に使われている場合はErrDuplicateEmailを返す。
	Create(ctx context.Context, user *model.User) error

	// UpdateProfile はプロフィール項目（メールアドレスを含む）を上書き更新する。
	// パスワードハッシュとリフレッシュトークンは変更しない。
	// 存在しない場合はErrNotFound、メールアドレスが重複した場合はErrDuplicateEmailを返す。
	UpdateProfile(ctx context.Context, user *model.User) error

	// SetRefreshToken は保存済みリフレッシュトークンを無条件に上書きする（ログイン時）。
	SetRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error

	// RotateRefreshToken は保存値がcurrentHashと一致する場合のみnextHashに置き換える。
	// 置き換えた場合はtrueを返す。比較と書き込みは単一の原子的操作で行う。
	RotateRefreshToken(ctx context.Context, userID, currentHash, nextHash string, expiresAt time.Time) (bool, error)

	// ClearRefreshToken は保存済みリフレッシュトークンを削除する。冪等。
	ClearRefreshToken(ctx context.Context, userID string) error

	// PurgeExpiredRefreshTokens は期限切れのリフレッシュトークンを削除し、削除件数を返す。
	PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error)
}

// WaterRecordRepository は水分摂取記録（記録ストア）の永続化インターフェース。
// すべての操作は所有者IDで絞り込まれ、他ユーザーの記録には到達できない。
type WaterRecordRepository interface {
	// Create は記録を作成する。
	Create(ctx context.Context, record *model.WaterRecord) error

	// FindByID は所有者の記録をIDで取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, ownerID, id string) (*model.WaterRecord, error)

	// ListByTimePrefix は記録時刻が指定プレフィックスで始まる所有者の記録を時刻昇順で返す。
	ListByTimePrefix(ctx context.Context, ownerID, prefix string) ([]*model.WaterRecord, error)

	// Update は所有者の記録の時刻と量を更新する。
	// record.OwnerIDとrecord.IDの両方が一致する記録がない場合はErrNotFoundを返す。
	Update(ctx context.Context, record *model.WaterRecord) error

	// Delete は所有者の記録を削除する。該当する記録がない場合はErrNotFoundを返す。
	Delete(ctx context.Context, ownerID, id string) error
}

// HealthChecker はストアの疎通確認インターフェース。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}
