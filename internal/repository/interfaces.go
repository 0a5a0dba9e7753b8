// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/rentsession/internal/model"
)

// ProfileRepository はprofilesテーブルへのアクセスインターフェース。
type ProfileRepository interface {
	// FindByID は指定IDのプロフィールを取得する。行が存在しない場合はnil, nilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// Upsert はIDをキーにプロフィールを冪等に作成または置き換える。
	// 同じ入力で2回呼んでも行は1つのまま。user_typeは作成後に変更しない。
	Upsert(ctx context.Context, profile *model.Profile) error
}

// TokenSource はREST経由のアクセスに使うアクセストークンを提供する。
// ログインしていない場合は空文字列を返す。
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}
