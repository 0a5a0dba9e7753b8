package model

// AuthEventType は認証サービスのセッション状態遷移の種類を表す。
type AuthEventType string

const (
	AuthEventSignedIn       AuthEventType = "SIGNED_IN"
	AuthEventSignedOut      AuthEventType = "SIGNED_OUT"
	AuthEventTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
)

// AuthEvent は認証サービスから通知されるセッション変更イベント。
// Identityがnilの場合はセッションが存在しないことを表す。
type AuthEvent struct {
	Type     AuthEventType
	Identity *Identity
}
