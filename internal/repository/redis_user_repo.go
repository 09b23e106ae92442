package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/watertrack/internal/model"
	"github.com/redis/go-redis/v9"
)

// キー構成:
//
//	<prefix>:user:<id>          ユーザードキュメント（JSON）
//	<prefix>:user:email:<email> メールアドレスからユーザーIDへの索引
//	<prefix>:user:<id>:refresh  リフレッシュトークンのハッシュ（有効期限付き）

// updateProfileScript はメールアドレス索引の付け替えとドキュメント更新を原子的に行う。
// KEYS[3]は読み込み時点のメールアドレス索引。保存済みドキュメントのemailがARGV[3]と
// 異なる場合は並行更新とみなし何もしない。
// 戻り値: 1=更新, 0=ユーザーなし, -1=メールアドレス重複, -2=並行更新
const updateProfileScript = `
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
if cjson.decode(raw).email ~= ARGV[3] then
  return -2
end
if KEYS[2] ~= KEYS[3] then
  local owner = redis.call("GET", KEYS[2])
  if owner and owner ~= ARGV[1] then
    return -1
  end
  redis.call("SET", KEYS[2], ARGV[1])
  redis.call("DEL", KEYS[3])
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`

// updateProfileAttempts は並行更新で競合した場合の再試行回数。
const updateProfileAttempts = 5

var updateProfileLua = redis.NewScript(updateProfileScript)

// rotateRefreshScript は保存済みハッシュがARGV[1]と一致する場合のみ置き換える。
const rotateRefreshScript = `
local current = redis.call("HGET", KEYS[1], "hash")
if not current or current ~= ARGV[1] then
  return 0
end
redis.call("HSET", KEYS[1], "hash", ARGV[2], "expires_at", ARGV[3])
redis.call("PEXPIREAT", KEYS[1], ARGV[4])
return 1
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

// redisUserDoc はRedisに保存するユーザードキュメント。
type redisUserDoc struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	Name         string    `json:"name"`
	Gender       string    `json:"gender"`
	DailyNorm    float64   `json:"dailyNorm"`
	Weight       float64   `json:"weight"`
	TimeActive   float64   `json:"timeActive"`
	AvatarURL    string    `json:"avatarURL,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func newRedisUserDoc(u *model.User) redisUserDoc {
	return redisUserDoc{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Name:         u.Name,
		Gender:       u.Gender,
		DailyNorm:    u.DailyNorm,
		Weight:       u.Weight,
		TimeActive:   u.TimeActive,
		AvatarURL:    u.AvatarURL,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

func (d redisUserDoc) toModel() *model.User {
	return &model.User{
		ID:           d.ID,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		Name:         d.Name,
		Gender:       d.Gender,
		DailyNorm:    d.DailyNorm,
		Weight:       d.Weight,
		TimeActive:   d.TimeActive,
		AvatarURL:    d.AvatarURL,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
}

// RedisUserRepo はRedisをドキュメントストアとして使用するユーザーリポジトリ。
type RedisUserRepo struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisUserRepo はRedisUserRepoを生成する。
func NewRedisUserRepo(rdb redis.UniversalClient, prefix string) *RedisUserRepo {
	return &RedisUserRepo{rdb: rdb, prefix: prefix}
}

func (r *RedisUserRepo) userKey(id string) string {
	return r.prefix + ":user:" + id
}

func (r *RedisUserRepo) emailKey(email string) string {
	return r.prefix + ":user:email:" + email
}

func (r *RedisUserRepo) refreshKey(id string) string {
	return r.prefix + ":user:" + id + ":refresh"
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *RedisUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var docCmd *redis.StringCmd
	var refreshCmd *redis.MapStringStringCmd
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		docCmd = pipe.Get(ctx, r.userKey(id))
		refreshCmd = pipe.HGetAll(ctx, r.refreshKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	data, err := docCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}

	var doc redisUserDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode user document: %w", err)
	}
	user := doc.toModel()

	refresh := refreshCmd.Val()
	if hash := refresh["hash"]; hash != "" {
		expiresAt, err := time.Parse(time.RFC3339Nano, refresh["expires_at"])
		if err != nil {
			return nil, fmt.Errorf("failed to decode refresh token expiry: %w", err)
		}
		user.RefreshTokenHash = hash
		user.RefreshTokenExpiresAt = &expiresAt
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
func (r *RedisUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	id, err := r.rdb.Get(ctx, r.emailKey(email)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return r.FindByID(ctx, id)
}

// Create はユーザーを作成する。メールアドレス索引はSETNXで確保する。
func (r *RedisUserRepo) Create(ctx context.Context, user *model.User) error {
	data, err := json.Marshal(newRedisUserDoc(user))
	if err != nil {
		return fmt.Errorf("failed to encode user document: %w", err)
	}

	claimed, err := r.rdb.SetNX(ctx, r.emailKey(user.Email), user.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve email: %w", err)
	}
	if !claimed {
		return ErrDuplicateEmail
	}

	if err := r.rdb.Set(ctx, r.userKey(user.ID), data, 0).Err(); err != nil {
		// 索引だけが残らないように解放する
		r.rdb.Del(ctx, r.emailKey(user.Email))
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// UpdateProfile はプロフィール項目を上書き更新する。
// パスワードハッシュと作成日時は保存済みドキュメントの値を維持する。
// 読み込みから書き込みまでの間にメールアドレスが変わった場合は読み直して再試行する。
func (r *RedisUserRepo) UpdateProfile(ctx context.Context, user *model.User) error {
	for attempt := 0; attempt < updateProfileAttempts; attempt++ {
		current, err := r.FindByID(ctx, user.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrNotFound
		}

		doc := newRedisUserDoc(user)
		doc.PasswordHash = current.PasswordHash
		doc.CreatedAt = current.CreatedAt
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to encode user document: %w", err)
		}

		status, err := updateProfileLua.Run(ctx, r.rdb,
			[]string{r.userKey(user.ID), r.emailKey(user.Email), r.emailKey(current.Email)},
			user.ID, data, current.Email,
		).Int64()
		if err != nil {
			return fmt.Errorf("failed to update user profile: %w", err)
		}

		switch status {
		case 1:
			return nil
		case -1:
			return ErrDuplicateEmail
		case -2:
			continue
		default:
			return ErrNotFound
		}
	}
	return fmt.Errorf("failed to update user profile: concurrent email change for user %s", user.ID)
}

// SetRefreshToken は保存済みリフレッシュトークンを上書きする。キーは有効期限で自動削除される。
func (r *RedisUserRepo) SetRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	exists, err := r.rdb.Exists(ctx, r.userKey(userID)).Result()
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	key := r.refreshKey(userID)
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "hash", tokenHash, "expires_at", expiresAt.UTC().Format(time.RFC3339Nano))
		pipe.PExpireAt(ctx, key, expiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// RotateRefreshToken は保存値がcurrentHashと一致する場合のみnextHashに置き換える。
func (r *RedisUserRepo) RotateRefreshToken(ctx context.Context, userID, currentHash, nextHash string, expiresAt time.Time) (bool, error) {
	rotated, err := rotateRefreshLua.Run(ctx, r.rdb,
		[]string{r.refreshKey(userID)},
		currentHash, nextHash, expiresAt.UTC().Format(time.RFC3339Nano), expiresAt.UnixMilli(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	return rotated == 1, nil
}

// ClearRefreshToken は保存済みリフレッシュトークンを削除する。
func (r *RedisUserRepo) ClearRefreshToken(ctx context.Context, userID string) error {
	if err := r.rdb.Del(ctx, r.refreshKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear refresh token: %w", err)
	}
	return nil
}

// PurgeExpiredRefreshTokens はRedisのキー有効期限に任せるため常に0を返す。
func (r *RedisUserRepo) PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// PingContext はRedisの疎通を確認する。
func (r *RedisUserRepo) PingContext(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// compile-time interface check
var _ UserRepository = (*RedisUserRepo)(nil)
var _ HealthChecker = (*RedisUserRepo)(nil)
