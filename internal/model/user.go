// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// Role はユーザー種別（物件を探すユーザー / 物件オーナー）を表す。
// プロフィール作成後は変更されない。
type Role string

const (
	// RoleSeeker は物件を探すユーザー。
	RoleSeeker Role = "seeker"
	// RoleOwner は物件オーナー。
	RoleOwner Role = "owner"
)

// Valid はロールが定義済みの値かどうかを返す。
func (r Role) Valid() bool {
	return r == RoleSeeker || r == RoleOwner
}

// ParseRole は文字列をRoleに変換する。未定義の値の場合はエラーを返す。
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role: %q", s)
	}
	return r, nil
}

// Identity は外部認証サービスが発行する認証済みIDを表す。
// 認証サービスが所有し、このモジュールでは永続化しない。
type Identity struct {
	ID               string
	Email            string
	EmailConfirmedAt *time.Time
}

// Profile はprofilesテーブルの1行を表す。
// IDは常にIdentity.IDと一致する。
type Profile struct {
	ID        string
	Email     string
	Name      *string
	Role      Role
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionUser はUIに公開するログインユーザー情報。
// IdentityとProfileを結合した読み取り専用のビュー。
type SessionUser struct {
	ID    string  `json:"id"`
	Email string  `json:"email"`
	Role  Role    `json:"role"`
	Name  *string `json:"name,omitempty"`
	Phone *string `json:"phone,omitempty"`
}

// MergeSessionUser はIdentityとProfileからSessionUserを生成する。
// メールアドレスはプロフィール側を優先し、空の場合のみIdentity側を使う。
func MergeSessionUser(identity *Identity, profile *Profile) *SessionUser {
	email := profile.Email
	if email == "" {
		email = identity.Email
	}
	return &SessionUser{
		ID:    profile.ID,
		Email: email,
		Role:  profile.Role,
		Name:  copyString(profile.Name),
		Phone: copyString(profile.Phone),
	}
}

// Equal は2つのSessionUserが同じ内容かを返す。nil同士は等しい。
func (u *SessionUser) Equal(other *SessionUser) bool {
	if u == nil || other == nil {
		return u == nil && other == nil
	}
	return u.ID == other.ID &&
		u.Email == other.Email &&
		u.Role == other.Role &&
		equalStringPtr(u.Name, other.Name) &&
		equalStringPtr(u.Phone, other.Phone)
}

// Clone はSessionUserのディープコピーを返す。
func (u *SessionUser) Clone() *SessionUser {
	if u == nil {
		return nil
	}
	c := *u
	c.Name = copyString(u.Name)
	c.Phone = copyString(u.Phone)
	return &c
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
