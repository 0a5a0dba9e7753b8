package middleware

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hitoshi/rentsession/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// messageは画面にそのまま表示する文言。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteError はerrをHTTPステータスに対応付けて書き込む。
// *model.APIError以外のエラーは内部エラーとして扱う。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		WriteInternalServerError(w)
		return
	}
	WriteErrorResponse(w, StatusForError(apiErr), apiErr)
}

// StatusForError はAPIErrorのコードに対応するHTTPステータスを返す。
func StatusForError(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidationFailed, "INVALID_REQUEST":
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials, model.ErrCodeNotAuthenticated:
		return http.StatusUnauthorized
	case model.ErrCodeEmailNotConfirmed:
		return http.StatusForbidden
	case model.ErrCodeAlreadyRegistered:
		return http.StatusConflict
	case model.ErrCodeNetwork:
		return http.StatusServiceUnavailable
	case model.ErrCodeProfileSetupFailed, model.ErrCodeSignupFailed, model.ErrCodeLoginFailed, model.ErrCodeLogoutFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteBadRequest はリクエストボディを解釈できない場合の統一レスポンスを書き込む。
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  message,
		Category: "validation",
		Action:   "Check the request and try again.",
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "Something went wrong. Please try again.",
		Category: "system",
		Action:   "Try again in a moment.",
	})
}
