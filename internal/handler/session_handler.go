package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/rentsession/internal/model"
	"github.com/hitoshi/rentsession/internal/session"
	"github.com/hitoshi/rentsession/internal/user"
)

// SessionService はセッションハンドラーが必要とする操作。
// session.Orchestratorが実装する。
type SessionService interface {
	Login(ctx context.Context, email, password string, intendedRole *model.Role) error
	Signup(ctx context.Context, in user.SignupInput) error
	CompleteProfile(ctx context.Context, in user.ProfileInput) error
	Logout(ctx context.Context) error
}

// StateSource はセッション状態の読み取りと購読を提供する。
// session.Storeが実装する。
type StateSource interface {
	Snapshot() session.State
	Subscribe() (<-chan session.Event, func())
}

// SessionHandler はセッション関連のHTTPハンドラー。
type SessionHandler struct {
	service SessionService
	state   StateSource
	logger  *slog.Logger
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(service SessionService, state StateSource, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		service: service,
		state:   state,
		logger:  logger,
	}
}

// loginRequest はログインのリクエストボディ。
// roleはUIで選択されたロールで、プロフィールと異なっていてもログインは成功する。
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

// Get は現在のセッション状態を返す。
// GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Snapshot())
}

// Login はメールアドレスとパスワードでログインする。
// POST /api/session/login
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var intended *model.Role
	if req.Role != "" {
		role, err := model.ParseRole(req.Role)
		if err != nil {
			handleServiceError(w, r, h.logger, model.NewValidationError(err))
			return
		}
		intended = &role
	}

	if err := h.service.Login(r.Context(), req.Email, req.Password, intended); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, h.state.Snapshot())
}

// Signup はアカウントとプロフィールを作成する。
// POST /api/session/signup
func (h *SessionHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req user.SignupInput
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.Signup(r.Context(), req); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.state.Snapshot())
}

// CompleteProfile はログイン中のユーザーのプロフィール作成を再試行する。
// POST /api/session/profile
func (h *SessionHandler) CompleteProfile(w http.ResponseWriter, r *http.Request) {
	var req user.ProfileInput
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.CompleteProfile(r.Context(), req); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, h.state.Snapshot())
}

// Logout はログアウトする。失敗した場合もローカルのセッションは破棄済み。
// POST /api/session/logout
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Logout(r.Context()); err != nil {
		handleServiceError(w, r, h.logger, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
