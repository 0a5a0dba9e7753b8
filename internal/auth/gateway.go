// Package auth は外部認証サービス（GoTrue互換API）との通信とセッショントークンの管理を提供する。
package auth

import (
	"context"
	"time"

	"github.com/hitoshi/rentsession/internal/model"
)

// Gateway は認証サービスのアダプター。
// エラーはmodelのセンチネルエラー（ErrNetwork, ErrInvalidCredentials,
// ErrEmailNotConfirmed, ErrAlreadyRegistered）か*model.ServiceErrorをラップして返す。
type Gateway interface {
	// CurrentSession は保存済みセッションのIdentityを返す。セッションがない場合はnil, nil。
	CurrentSession(ctx context.Context) (*model.Identity, error)

	// SignIn はメールアドレスとパスワードでログインする。
	SignIn(ctx context.Context, email, password string) (*model.Identity, error)

	// SignUp はアカウントを作成する。メール確認が必要な場合はセッションなしでIdentityを返す。
	SignUp(ctx context.Context, email, password string) (*model.Identity, error)

	// SignOut はセッションを破棄する。
	SignOut(ctx context.Context) error

	// OnSessionChange はセッション変更リスナーを登録し、解除関数を返す。
	// リスナーは呼び出し元をブロックしないよう別goroutineで呼ばれる。
	OnSessionChange(fn func(model.AuthEvent)) (unsubscribe func())
}

// Session は認証サービスが発行したトークンとユーザー情報。TokenStoreに保存される。
type Session struct {
	AccessToken      string     `json:"access_token"`
	RefreshToken     string     `json:"refresh_token"`
	ExpiresAt        time.Time  `json:"expires_at"`
	UserID           string     `json:"user_id"`
	Email            string     `json:"email"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at,omitempty"`
}

// Identity はセッションのユーザー情報をmodel.Identityとして返す。
func (s *Session) Identity() *model.Identity {
	return &model.Identity{
		ID:               s.UserID,
		Email:            s.Email,
		EmailConfirmedAt: s.EmailConfirmedAt,
	}
}

// expiresWithin は期限切れまでの残り時間がmargin以下かどうかを返す。
// 有効期限が不明なセッションは期限切れとして扱わない。
func (s *Session) expiresWithin(now time.Time, margin time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(s.ExpiresAt)
}

// TokenStore はセッションの永続化インターフェース。
type TokenStore interface {
	// Load は保存済みセッションを返す。存在しない場合はnil, nil。
	Load(ctx context.Context) (*Session, error)
	Save(ctx context.Context, session *Session) error
	Clear(ctx context.Context) error
}

// Broadcaster は同じTokenStoreを共有する他プロセスへセッション変更を伝えるTokenStoreの拡張。
type Broadcaster interface {
	Publish(ctx context.Context, msg BroadcastMessage) error
	// Subscribe はctxがキャンセルされるまでメッセージを受信してfnを呼ぶ。
	Subscribe(ctx context.Context, fn func(BroadcastMessage)) error
}

// BroadcastMessage はプロセス間で共有するセッション変更通知。
type BroadcastMessage struct {
	Origin string              `json:"origin"`
	Type   model.AuthEventType `json:"type"`
	UserID string              `json:"user_id,omitempty"`
	Email  string              `json:"email,omitempty"`
}
