package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/watertrack/internal/model"
)

// 各実装で共通の振る舞いを検証するテスト群。

func newTestUser(email string) *model.User {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: "$2a$10$hash",
		Name:         model.DefaultUserName,
		Gender:       model.DefaultGender,
		DailyNorm:    model.DefaultDailyNorm,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func runUserRepositoryContract(t *testing.T, newRepo func(t *testing.T) UserRepository) {
	t.Run("作成と取得", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		user := newTestUser("alice@example.com")

		if err := repo.Create(ctx, user); err != nil {
			t.Fatalf("Create: %v", err)
		}

		byID, err := repo.FindByID(ctx, user.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if byID == nil || byID.Email != user.Email || byID.PasswordHash != user.PasswordHash {
			t.Fatalf("FindByID = %+v, want email %q", byID, user.Email)
		}
		if byID.DailyNorm != model.DefaultDailyNorm {
			t.Errorf("DailyNorm = %v, want %v", byID.DailyNorm, model.DefaultDailyNorm)
		}

		byEmail, err := repo.FindByEmail(ctx, user.Email)
		if err != nil {
			t.Fatalf("FindByEmail: %v", err)
		}
		if byEmail == nil || byEmail.ID != user.ID {
			t.Fatalf("FindByEmail = %+v, want id %q", byEmail, user.ID)
		}
	})

	t.Run("存在しないユーザーはnilを返す", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		u, err := repo.FindByID(ctx, uuid.NewString())
		if err != nil || u != nil {
			t.Errorf("FindByID = (%v, %v), want (nil, nil)", u, err)
		}
		u, err = repo.FindByEmail(ctx, "nobody@example.com")
		if err != nil || u != nil {
			t.Errorf("FindByEmail = (%v, %v), want (nil, nil)", u, err)
		}
	})

	t.Run("メールアドレス重複はErrDuplicateEmail", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		if err := repo.Create(ctx, newTestUser("dup@example.com")); err != nil {
			t.Fatalf("Create: %v", err)
		}
		err := repo.Create(ctx, newTestUser("dup@example.com"))
		if !errors.Is(err, ErrDuplicateEmail) {
			t.Errorf("err = %v, want ErrDuplicateEmail", err)
		}
	})

	t.Run("同時登録は1件だけ成功する", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		const n = 8
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = repo.Create(ctx, newTestUser("race@example.com"))
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrDuplicateEmail):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		if succeeded != 1 {
			t.Errorf("succeeded = %d, want 1", succeeded)
		}
	})

	t.Run("プロフィール更新", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		user := newTestUser("before@example.com")
		if err := repo.Create(ctx, user); err != nil {
			t.Fatalf("Create: %v", err)
		}

		user.Name = "Alice"
		user.Weight = 55.5
		user.Email = "after@example.com"
		if err := repo.UpdateProfile(ctx, user); err != nil {
			t.Fatalf("UpdateProfile: %v", err)
		}

		got, _ := repo.FindByEmail(ctx, "after@example.com")
		if got == nil || got.Name != "Alice" || got.Weight != 55.5 {
			t.Fatalf("FindByEmail(after) = %+v", got)
		}
		if got.PasswordHash != "$2a$10$hash" {
			t.Errorf("PasswordHash changed: %q", got.PasswordHash)
		}
		if old, _ := repo.FindByEmail(ctx, "before@example.com"); old != nil {
			t.Errorf("old email still resolves to %+v", old)
		}
	})

	t.Run("他ユーザーのメールアドレスへの変更はErrDuplicateEmail", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		a := newTestUser("a@example.com")
		b := newTestUser("b@example.com")
		for _, u := range []*model.User{a, b} {
			if err := repo.Create(ctx, u); err != nil {
				t.Fatalf("Create: %v", err)
			}
		}

		b.Email = a.Email
		if err := repo.UpdateProfile(ctx, b); !errors.Is(err, ErrDuplicateEmail) {
			t.Errorf("err = %v, want ErrDuplicateEmail", err)
		}
	})

	t.Run("存在しないユーザーの更新はErrNotFound", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.UpdateProfile(context.Background(), newTestUser("ghost@example.com"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("リフレッシュトークンの保存・ローテーション・削除", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		user := newTestUser("token@example.com")
		if err := repo.Create(ctx, user); err != nil {
			t.Fatalf("Create: %v", err)
		}
		expiresAt := time.Now().Add(time.Hour).UTC().Truncate(time.Millisecond)

		if err := repo.SetRefreshToken(ctx, user.ID, "hash-1", expiresAt); err != nil {
			t.Fatalf("SetRefreshToken: %v", err)
		}
		got, _ := repo.FindByID(ctx, user.ID)
		if got.RefreshTokenHash != "hash-1" || got.RefreshTokenExpiresAt == nil || !got.RefreshTokenExpiresAt.Equal(expiresAt) {
			t.Fatalf("stored refresh = %q %v", got.RefreshTokenHash, got.RefreshTokenExpiresAt)
		}

		rotated, err := repo.RotateRefreshToken(ctx, user.ID, "wrong", "hash-2", expiresAt)
		if err != nil || rotated {
			t.Fatalf("Rotate(wrong) = (%v, %v), want (false, nil)", rotated, err)
		}
		rotated, err = repo.RotateRefreshToken(ctx, user.ID, "hash-1", "hash-2", expiresAt)
		if err != nil || !rotated {
			t.Fatalf("Rotate(hash-1) = (%v, %v), want (true, nil)", rotated, err)
		}
		rotated, _ = repo.RotateRefreshToken(ctx, user.ID, "hash-1", "hash-3", expiresAt)
		if rotated {
			t.Error("rotation with a consumed hash must fail")
		}

		if err := repo.ClearRefreshToken(ctx, user.ID); err != nil {
			t.Fatalf("ClearRefreshToken: %v", err)
		}
		if err := repo.ClearRefreshToken(ctx, user.ID); err != nil {
			t.Fatalf("ClearRefreshToken (2nd): %v", err)
		}
		got, _ = repo.FindByID(ctx, user.ID)
		if got.RefreshTokenHash != "" || got.HasActiveRefreshToken(time.Now()) {
			t.Errorf("refresh token remains after clear: %q", got.RefreshTokenHash)
		}
		rotated, _ = repo.RotateRefreshToken(ctx, user.ID, "hash-2", "hash-3", expiresAt)
		if rotated {
			t.Error("rotation after logout must fail")
		}
	})

	t.Run("同じトークンによる同時ローテーションは1件だけ成功する", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		user := newTestUser("cas@example.com")
		if err := repo.Create(ctx, user); err != nil {
			t.Fatalf("Create: %v", err)
		}
		expiresAt := time.Now().Add(time.Hour)
		if err := repo.SetRefreshToken(ctx, user.ID, "old", expiresAt); err != nil {
			t.Fatalf("SetRefreshToken: %v", err)
		}

		const n = 8
		var wg sync.WaitGroup
		results := make([]bool, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := repo.RotateRefreshToken(ctx, user.ID, "old", uuid.NewString(), expiresAt)
				if err != nil {
					t.Errorf("RotateRefreshToken: %v", err)
				}
				results[i] = ok
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, ok := range results {
			if ok {
				succeeded++
			}
		}
		if succeeded != 1 {
			t.Errorf("succeeded = %d, want 1", succeeded)
		}
	})
}

func runWaterRecordRepositoryContract(t *testing.T, newRepo func(t *testing.T) WaterRecordRepository) {
	newRecord := func(owner, tm string, amount int) *model.WaterRecord {
		return &model.WaterRecord{ID: uuid.NewString(), Time: tm, Amount: amount, OwnerID: owner}
	}

	t.Run("前方一致で時刻昇順に返す", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		owner := uuid.NewString()

		for _, r := range []*model.WaterRecord{
			newRecord(owner, "2024-05-01 18:00:00", 300),
			newRecord(owner, "2024-05-01 08:00:00", 250),
			newRecord(owner, "2024-05-02 09:00:00", 200),
			newRecord(owner, "2024-06-01 09:00:00", 100),
		} {
			if err := repo.Create(ctx, r); err != nil {
				t.Fatalf("Create: %v", err)
			}
		}

		day, err := repo.ListByTimePrefix(ctx, owner, "2024-05-01")
		if err != nil {
			t.Fatalf("ListByTimePrefix: %v", err)
		}
		if len(day) != 2 || day[0].Time != "2024-05-01 08:00:00" || day[1].Time != "2024-05-01 18:00:00" {
			t.Fatalf("day records = %+v", day)
		}

		month, _ := repo.ListByTimePrefix(ctx, owner, "2024-05")
		if len(month) != 3 {
			t.Errorf("len(month) = %d, want 3", len(month))
		}

		empty, err := repo.ListByTimePrefix(ctx, owner, "2023-01")
		if err != nil || empty == nil || len(empty) != 0 {
			t.Errorf("ListByTimePrefix(empty) = (%v, %v), want empty non-nil slice", empty, err)
		}
	})

	t.Run("他ユーザーの記録は見えない", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		alice, bob := uuid.NewString(), uuid.NewString()
		rec := newRecord(alice, "2024-05-01 08:00:00", 250)
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}

		if got, _ := repo.FindByID(ctx, bob, rec.ID); got != nil {
			t.Errorf("FindByID by other owner = %+v, want nil", got)
		}
		if list, _ := repo.ListByTimePrefix(ctx, bob, "2024-05"); len(list) != 0 {
			t.Errorf("other owner sees %d records", len(list))
		}

		stolen := *rec
		stolen.OwnerID = bob
		stolen.Amount = 1
		if err := repo.Update(ctx, &stolen); !errors.Is(err, ErrNotFound) {
			t.Errorf("Update by other owner err = %v, want ErrNotFound", err)
		}
		if err := repo.Delete(ctx, bob, rec.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Delete by other owner err = %v, want ErrNotFound", err)
		}

		got, _ := repo.FindByID(ctx, alice, rec.ID)
		if got == nil || got.Amount != 250 {
			t.Errorf("owner's record changed: %+v", got)
		}
	})

	t.Run("更新と削除", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		owner := uuid.NewString()
		rec := newRecord(owner, "2024-05-01 08:00:00", 250)
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}

		rec.Time = "2024-05-02 10:00:00"
		rec.Amount = 400
		if err := repo.Update(ctx, rec); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if list, _ := repo.ListByTimePrefix(ctx, owner, "2024-05-01"); len(list) != 0 {
			t.Errorf("record still listed under old day: %+v", list)
		}
		list, _ := repo.ListByTimePrefix(ctx, owner, "2024-05-02")
		if len(list) != 1 || list[0].Amount != 400 {
			t.Fatalf("records under new day = %+v", list)
		}

		if err := repo.Delete(ctx, owner, rec.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := repo.Delete(ctx, owner, rec.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second Delete err = %v, want ErrNotFound", err)
		}
		if list, _ := repo.ListByTimePrefix(ctx, owner, "2024-05"); len(list) != 0 {
			t.Errorf("deleted record still listed: %+v", list)
		}
	})
}
