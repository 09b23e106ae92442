package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/watertrack/internal/model"
)

// MemoryStore はメモリ上にユーザーと水分摂取記録を保持するストア。
// STORE_BACKEND=memory とテストで使用する。プロセス終了で内容は失われる。
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]model.User
	emails  map[string]string // email -> user id
	records map[string]map[string]model.WaterRecord
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]model.User),
		emails:  make(map[string]string),
		records: make(map[string]map[string]model.WaterRecord),
	}
}

// Users はMemoryStoreをUserRepositoryとして返す。
func (s *MemoryStore) Users() *MemoryUserRepo {
	return &MemoryUserRepo{store: s}
}

// WaterRecords はMemoryStoreをWaterRecordRepositoryとして返す。
func (s *MemoryStore) WaterRecords() *MemoryWaterRecordRepo {
	return &MemoryWaterRecordRepo{store: s}
}

// PingContext は常に成功する。
func (s *MemoryStore) PingContext(ctx context.Context) error {
	return ctx.Err()
}

// MemoryUserRepo はMemoryStore上のユーザーリポジトリ。
type MemoryUserRepo struct {
	store *MemoryStore
}

// MemoryWaterRecordRepo はMemoryStore上の水分摂取記録リポジトリ。
type MemoryWaterRecordRepo struct {
	store *MemoryStore
}

func cloneUser(u model.User) *model.User {
	if u.RefreshTokenExpiresAt != nil {
		t := *u.RefreshTokenExpiresAt
		u.RefreshTokenExpiresAt = &t
	}
	return &u
}

// FindByID は指定IDのユーザーを取得する。
func (r *MemoryUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	u, ok := r.store.users[id]
	if !ok {
		return nil, nil
	}
	return cloneUser(u), nil
}

// FindByEmail はメールアドレスでユーザーを検索する。
func (r *MemoryUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	id, ok := r.store.emails[email]
	if !ok {
		return nil, nil
	}
	return cloneUser(r.store.users[id]), nil
}

// Create はユーザーを作成する。
func (r *MemoryUserRepo) Create(ctx context.Context, user *model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.emails[user.Email]; exists {
		return ErrDuplicateEmail
	}
	r.store.users[user.ID] = *cloneUser(*user)
	r.store.emails[user.Email] = user.ID
	return nil
}

// UpdateProfile はプロフィール項目を上書き更新する。
func (r *MemoryUserRepo) UpdateProfile(ctx context.Context, user *model.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	current, ok := r.store.users[user.ID]
	if !ok {
		return ErrNotFound
	}
	if owner, exists := r.store.emails[user.Email]; exists && owner != user.ID {
		return ErrDuplicateEmail
	}

	if current.Email != user.Email {
		delete(r.store.emails, current.Email)
		r.store.emails[user.Email] = user.ID
	}

	current.Email = user.Email
	current.Name = user.Name
	current.Gender = user.Gender
	current.DailyNorm = user.DailyNorm
	current.Weight = user.Weight
	current.TimeActive = user.TimeActive
	current.AvatarURL = user.AvatarURL
	current.UpdatedAt = user.UpdatedAt
	r.store.users[user.ID] = current
	return nil
}

// SetRefreshToken は保存済みリフレッシュトークンを上書きする。
func (r *MemoryUserRepo) SetRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	u, ok := r.store.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.RefreshTokenHash = tokenHash
	u.RefreshTokenExpiresAt = &expiresAt
	r.store.users[userID] = u
	return nil
}

// RotateRefreshToken は保存値がcurrentHashと一致する場合のみnextHashに置き換える。
func (r *MemoryUserRepo) RotateRefreshToken(ctx context.Context, userID, currentHash, nextHash string, expiresAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	u, ok := r.store.users[userID]
	if !ok || u.RefreshTokenHash == "" || u.RefreshTokenHash != currentHash {
		return false, nil
	}
	u.RefreshTokenHash = nextHash
	u.RefreshTokenExpiresAt = &expiresAt
	r.store.users[userID] = u
	return true, nil
}

// ClearRefreshToken は保存済みリフレッシュトークンを削除する。
func (r *MemoryUserRepo) ClearRefreshToken(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if u, ok := r.store.users[userID]; ok {
		u.RefreshTokenHash = ""
		u.RefreshTokenExpiresAt = nil
		r.store.users[userID] = u
	}
	return nil
}

// PurgeExpiredRefreshTokens は期限切れのリフレッシュトークンを削除する。
func (r *MemoryUserRepo) PurgeExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var purged int64
	for id, u := range r.store.users {
		if u.RefreshTokenExpiresAt != nil && !now.Before(*u.RefreshTokenExpiresAt) {
			u.RefreshTokenHash = ""
			u.RefreshTokenExpiresAt = nil
			r.store.users[id] = u
			purged++
		}
	}
	return purged, nil
}

// Create は記録を作成する。
func (r *MemoryWaterRecordRepo) Create(ctx context.Context, record *model.WaterRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	owned, ok := r.store.records[record.OwnerID]
	if !ok {
		owned = make(map[string]model.WaterRecord)
		r.store.records[record.OwnerID] = owned
	}
	owned[record.ID] = *record
	return nil
}

// FindByID は所有者の記録をIDで取得する。
func (r *MemoryWaterRecordRepo) FindByID(ctx context.Context, ownerID, id string) (*model.WaterRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	record, ok := r.store.records[ownerID][id]
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// ListByTimePrefix は記録時刻が指定プレフィックスで始まる記録を時刻昇順で返す。
func (r *MemoryWaterRecordRepo) ListByTimePrefix(ctx context.Context, ownerID, prefix string) ([]*model.WaterRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	records := make([]*model.WaterRecord, 0)
	for _, record := range r.store.records[ownerID] {
		if strings.HasPrefix(record.Time, prefix) {
			rec := record
			records = append(records, &rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Time != records[j].Time {
			return records[i].Time < records[j].Time
		}
		return records[i].ID < records[j].ID
	})
	return records, nil
}

// Update は所有者の記録の時刻と量を更新する。
func (r *MemoryWaterRecordRepo) Update(ctx context.Context, record *model.WaterRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	owned := r.store.records[record.OwnerID]
	if _, ok := owned[record.ID]; !ok {
		return ErrNotFound
	}
	owned[record.ID] = *record
	return nil
}

// Delete は所有者の記録を削除する。
func (r *MemoryWaterRecordRepo) Delete(ctx context.Context, ownerID, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	owned := r.store.records[ownerID]
	if _, ok := owned[id]; !ok {
		return ErrNotFound
	}
	delete(owned, id)
	return nil
}

// compile-time interface check
var _ UserRepository = (*MemoryUserRepo)(nil)
var _ WaterRecordRepository = (*MemoryWaterRecordRepo)(nil)
var _ HealthChecker = (*MemoryStore)(nil)
