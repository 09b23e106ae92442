package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/watertrack/internal/model"
	"github.com/lib/pq"
)

// pgUniqueViolation はPostgreSQLの一意制約違反のSQLSTATE。
const pgUniqueViolation = "23505"

// userColumns はusersテーブルのSELECT対象カラム。scanUserと順序を一致させること。
const userColumns = `id, email, password_hash, name, gender, daily_norm, weight, time_active,
	avatar_url, refresh_token_hash, refresh_token_expires_at, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	var avatarURL, refreshHash sql.NullString
	var refreshExpiresAt sql.NullTime

	err := row.Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.Name, &user.Gender,
		&user.DailyNorm, &user.Weight, &user.TimeActive,
		&avatarURL, &refreshHash, &refreshExpiresAt,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	user.AvatarURL = avatarURL.String
	user.RefreshTokenHash = refreshHash.String
	if refreshExpiresAt.Valid {
		t := refreshExpiresAt.Time
		user.RefreshTokenExpiresAt = &t
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// findUserByEmailQuery はusers_email_key（lower(email)の式インデックス）で引けるよう同じ式で比較する。
const findUserByEmailQuery = `SELECT ` + userColumns + ` FROM users WHERE lower(email) = lower($1)`

// FindByEmail はメールアドレスでユーザーを検索する。大文字小文字は区別しない。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, findUserByEmailQuery, email))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。
// 事前チェックをすり抜けた同時登録はusers_email_keyの一意制約で検出し、ErrDuplicateEmailに変換する。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash, name, gender, daily_norm, weight, time_active,
		                    avatar_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		user.ID, user.Email, user.PasswordHash, user.Name, user.Gender,
		user.DailyNorm, user.Weight, user.TimeActive,
		nullString(user.AvatarURL), user.CreatedAt, user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// UpdateProfile はプロフィール項目を上書き更新する。
func (r *PostgresUserRepo) UpdateProfile(ctx context.Context, user *model.User) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET email = $2, name = $3, gender = $4, daily_norm = $5, weight = $6,
		     time_active = $7, avatar_url = $8, updated_at = $9
		 WHERE id = $1`,
		user.ID, user.Email, user.Name, user.Gender, user.DailyNorm, user.Weight,
		user.TimeActive, nullString(user.AvatarURL), user.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateEmail
	}
	if err != nil {
		return fmt.Errorf("failed to update user profile: %w", err)
	}
	return requireAffected(result)
}

// SetRefreshToken は保存済みリフレッシュトークンを無条件に上書きする。
func (r *PostgresUserRepo) SetRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET refresh_token_hash = $2, refresh_token_expires_at = $3, updated_at = now()
		 WHERE id = $1`,
		userID, tokenHash, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return requireAffected(result)
}

// RotateRefreshToken は保存値がcurrentHashと一致する場合のみnextHashに置き換える。
// WHERE句で比較するため、同じトークンによる同時リフレッシュは片方のみ成功する。
func (r *PostgresUserRepo) RotateRefreshToken(ctx context.Context, userID, currentHash, nextHash string, expiresAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET refresh_token_hash = $3, refresh_token_expires_at = $4, updated_at = now()
		 WHERE id = $1 AND refresh_token_hash = $2`,
		userID, currentHash, nextHash, expiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// ClearRefreshToken は保存済みリフレッシュトークンを削除する。
func (r *PostgresUserRepo) ClearRefreshToken(ctx context.Context, userID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET refresh_token_hash = NULL, refresh_token_expires_at = NULL, updated_at = now()
		 WHERE id = $1`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear refresh token: %w", err)
	}
	return nil
}

// PurgeExpiredRefreshTokens は期限切れのリフレッシュトークンを削除する。
func (r *PostgresUserRepo) PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users
		 SET refresh_token_hash = NULL, refresh_token_expires_at = NULL
		 WHERE refresh_token_expires_at IS NOT NULL AND refresh_token_expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired refresh tokens: %w", err)
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return purged, nil
}

// PingContext はデータベースの疎通を確認する。
func (r *PostgresUserRepo) PingContext(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pgUniqueViolation
	}
	return false
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
var _ HealthChecker = (*PostgresUserRepo)(nil)
