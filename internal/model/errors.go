package model

import (
	"errors"
	"fmt"
)

// 認証サービス・プロフィールストアから返されるエラー分類。
// ゲートウェイとリポジトリはこれらを%wでラップして返す。
var (
	ErrNetwork            = errors.New("network error")
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrEmailNotConfirmed  = errors.New("email not confirmed")
	ErrAlreadyRegistered  = errors.New("user already registered")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrProfileSetupFailed = errors.New("profile setup failed")
)

// ServiceError はリモートサービスが返したその他のエラーを表す。
// Messageにはリモート側のメッセージをそのまま保持する。
type ServiceError struct {
	Status  int    // HTTPステータス（不明な場合は0）
	Code    string // リモートのエラーコード（あれば）
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *ServiceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("service error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("service error: %s", e.Message)
}

// RemoteMessage はエラーチェーンからリモートサービスのメッセージを取り出す。
// ServiceErrorを含まない場合は空文字列を返す。
func RemoteMessage(err error) string {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Message
	}
	return ""
}

// APIError は統一エラーフォーマットを表す。
// Messageは画面にそのまま表示するユーザー向け文言。
type APIError struct {
	Code     string // エラーコード
	Message  string // ユーザー向けメッセージ
	Category string // カテゴリ: auth, validation, profile, system
	Action   string // ユーザー向け対処方法
	Err      error  // 原因となったエラー
}

// Error はerrorインターフェースを実装する。
// 画面にそのまま表示できるようにユーザー向けメッセージを返す。
func (e *APIError) Error() string {
	return e.Message
}

// Unwrap は原因エラーを返す。errors.Isで分類を判定できるようにする。
func (e *APIError) Unwrap() error {
	return e.Err
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeEmailNotConfirmed  = "EMAIL_NOT_CONFIRMED"
	ErrCodeAlreadyRegistered  = "ALREADY_REGISTERED"
	ErrCodeSignupFailed       = "SIGNUP_FAILED"
	ErrCodeLoginFailed        = "LOGIN_FAILED"
	ErrCodeLogoutFailed       = "LOGOUT_FAILED"
	ErrCodeProfileSetupFailed = "PROFILE_SETUP_FAILED"
	ErrCodeNotAuthenticated   = "NOT_AUTHENTICATED"
	ErrCodeNetwork            = "NETWORK_ERROR"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
)

// NewInvalidCredentialsError はメールアドレスまたはパスワード誤りのエラーを生成する。
func NewInvalidCredentialsError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "Invalid email or password. Please check your credentials and try again.",
		Category: "auth",
		Action:   "Check your email and password.",
		Err:      cause,
	}
}

// NewEmailNotConfirmedError はメール未確認のエラーを生成する。
func NewEmailNotConfirmedError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeEmailNotConfirmed,
		Message:  "Please check your email and click the confirmation link before logging in.",
		Category: "auth",
		Action:   "Confirm your email address, then log in again.",
		Err:      cause,
	}
}

// NewAlreadyRegisteredError は登録済みメールアドレスでのサインアップエラーを生成する。
func NewAlreadyRegisteredError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeAlreadyRegistered,
		Message:  "An account with this email already exists. Please try logging in instead.",
		Category: "auth",
		Action:   "Log in with this email address.",
		Err:      cause,
	}
}

// NewAccountCreationError は認証サービス側でユーザー保存に失敗した場合のエラーを生成する。
func NewAccountCreationError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeSignupFailed,
		Message:  "There was an issue creating your account. Please try again or contact support if the problem persists.",
		Category: "auth",
		Action:   "Try again later.",
		Err:      cause,
	}
}

// NewProfileSetupFailedError はアカウント作成後のプロフィール作成に失敗した場合のエラーを生成する。
// アカウント自体は作成済みのため、再サインアップではなくログインを案内する。
func NewProfileSetupFailedError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeProfileSetupFailed,
		Message:  "Your account was created, but we could not finish setting up your profile. Please log in to complete setup.",
		Category: "profile",
		Action:   "Log in to finish setting up your profile.",
		Err:      fmt.Errorf("%w: %w", ErrProfileSetupFailed, cause),
	}
}

// NewNotAuthenticatedError はログインが必要な操作を未ログインで呼んだ場合のエラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "You need to log in first.",
		Category: "auth",
		Action:   "Log in and try again.",
		Err:      ErrNotAuthenticated,
	}
}

// NewNetworkError は認証サービスへの通信失敗のエラーを生成する。
func NewNetworkError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeNetwork,
		Message:  "Could not reach the authentication service. Please check your connection and try again.",
		Category: "system",
		Action:   "Try again in a moment.",
		Err:      cause,
	}
}

// NewRemoteError はリモートのメッセージをそのまま伝えるエラーを生成する。
// リモートのメッセージが空の場合はfallbackを使う。
func NewRemoteError(code, fallback string, cause error) *APIError {
	msg := RemoteMessage(cause)
	if msg == "" {
		msg = fallback
	}
	return &APIError{
		Code:     code,
		Message:  msg,
		Category: "auth",
		Action:   "Try again later.",
		Err:      cause,
	}
}

// NewValidationError は入力値の検証エラーを生成する。
func NewValidationError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeValidationFailed,
		Message:  fmt.Sprintf("Invalid input: %v", cause),
		Category: "validation",
		Action:   "Fix the highlighted fields and submit again.",
		Err:      cause,
	}
}
