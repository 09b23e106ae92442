package security

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrPasswordMismatch はパスワードがハッシュと一致しない場合に返される。
var ErrPasswordMismatch = errors.New("password does not match")

const dummyPassword = "watertrack-dummy-password"

// PasswordHasher はbcryptによるパスワードハッシュを扱う。
type PasswordHasher struct {
	cost int
	// dummyHash は存在しないユーザーのログイン時に比較対象として使うハッシュ。
	// 実ハッシュと同じcostで生成し、応答時間からメールアドレスの登録有無を推測されないようにする。
	dummyHash []byte
}

// NewPasswordHasher はPasswordHasherを生成する。範囲外のcostはbcrypt.DefaultCostに置き換える。
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	// costは範囲内なのでエラーにならない
	dummy, _ := bcrypt.GenerateFromPassword([]byte(dummyPassword), cost)
	return &PasswordHasher{cost: cost, dummyHash: dummy}
}

// Hash はパスワードのbcryptハッシュを返す。
func (h *PasswordHasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Compare はパスワードとハッシュを比較する。一致しない場合はErrPasswordMismatchを返す。
func (h *PasswordHasher) Compare(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrPasswordMismatch
	}
	if err != nil {
		return fmt.Errorf("failed to compare password: %w", err)
	}
	return nil
}

// CompareDummy はダミーハッシュとの比較を行い、常にErrPasswordMismatchを返す。
func (h *PasswordHasher) CompareDummy(password string) error {
	_ = bcrypt.CompareHashAndPassword(h.dummyHash, []byte(password))
	return ErrPasswordMismatch
}
