// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/rentsession/internal/middleware"
	"github.com/hitoshi/rentsession/internal/model"
)

// maxRequestBodySize はリクエストボディの最大サイズ。
const maxRequestBodySize = 64 << 10

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvにデコードする。
// 失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			middleware.WriteBadRequest(w, "Request body is too large.")
		case errors.Is(err, io.EOF):
			middleware.WriteBadRequest(w, "Request body is required.")
		default:
			middleware.WriteBadRequest(w, "Request body must be valid JSON.")
		}
		return false
	}
	return true
}

// handleServiceError はサービス層のエラーを統一フォーマットで書き込む。
// APIError以外のエラーはログに記録し、内部エラーとして返す。
func handleServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		logger.Error("internal server error",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
	}
	middleware.WriteError(w, err)
}
