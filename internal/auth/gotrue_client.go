package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/rentsession/internal/metrics"
	"github.com/hitoshi/rentsession/internal/model"
)

const (
	tokenPath  = "/auth/v1/token"
	signupPath = "/auth/v1/signup"
	logoutPath = "/auth/v1/logout"
	userPath   = "/auth/v1/user"

	// maxResponseSize はレスポンスボディの最大読み取りサイズ。
	maxResponseSize = 1 << 20

	// DefaultRefreshMargin は有効期限のどれだけ前にトークンを更新するか。
	DefaultRefreshMargin = 2 * time.Minute
	// DefaultRefreshInterval は自動更新で期限を確認する既定の間隔。
	DefaultRefreshInterval = time.Minute
	// DefaultRateLimit は1分あたりの認証リクエスト数の既定上限。
	DefaultRateLimit = 30
	rateLimitBurst   = 5
)

// ClientConfig はGoTrueClientの設定。
type ClientConfig struct {
	BaseURL       string
	AnonKey       string
	RateLimit     int // 1分あたりのログイン・サインアップ呼び出し上限
	RefreshMargin time.Duration
}

// GoTrueClient はGoTrue互換の認証サービスAPIを呼び出すGateway実装。
type GoTrueClient struct {
	httpClient    *http.Client
	logger        *slog.Logger
	metrics       metrics.MetricsCollector
	store         TokenStore
	baseURL       string
	anonKey       string
	limiter       *rate.Limiter
	refreshMargin time.Duration
	origin        string // プロセス間通知で自分の発行分を識別する
	now           func() time.Time

	refreshMu sync.Mutex

	mu        sync.Mutex
	listeners map[int]func(model.AuthEvent)
	nextID    int
}

// NewGoTrueClient はGoTrueClientを生成する。
// storeがnilの場合はMemoryTokenStore、mcがnilの場合はメトリクスを記録しない。
func NewGoTrueClient(httpClient *http.Client, logger *slog.Logger, store TokenStore, mc metrics.MetricsCollector, cfg ClientConfig) *GoTrueClient {
	if store == nil {
		store = NewMemoryTokenStore()
	}
	if mc == nil {
		mc = metrics.Nop{}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = DefaultRateLimit
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}

	return &GoTrueClient{
		httpClient:    httpClient,
		logger:        logger,
		metrics:       mc,
		store:         store,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		anonKey:       cfg.AnonKey,
		limiter:       rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimit)), rateLimitBurst),
		refreshMargin: cfg.RefreshMargin,
		origin:        uuid.New().String(),
		now:           time.Now,
		listeners:     make(map[int]func(model.AuthEvent)),
	}
}

// tokenResponse はトークン発行エンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string        `json:"access_token"`
	TokenType    string        `json:"token_type"`
	ExpiresIn    int64         `json:"expires_in"`
	ExpiresAt    int64         `json:"expires_at"`
	RefreshToken string        `json:"refresh_token"`
	User         *userResponse `json:"user"`
}

// userResponse は認証サービスのユーザーオブジェクト。
type userResponse struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	EmailConfirmedAt *time.Time `json:"email_confirmed_at"`
}

// signupResponse はサインアップのレスポンス。
// メール確認が不要な場合はトークン一式、必要な場合はユーザーオブジェクトのみが返る。
type signupResponse struct {
	tokenResponse
	userResponse
}

// errorBody は認証サービスのエラーレスポンス。バージョンによりフィールドが異なる。
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	ErrorCode        string `json:"error_code"`
}

// CurrentSession は保存済みセッションを検証してIdentityを返す。
// 期限切れ間近のトークンは先に更新する。認証サービスがセッションを拒否した場合は
// 保存済みセッションを破棄してnil, nilを返す。
func (c *GoTrueClient) CurrentSession(ctx context.Context) (*model.Identity, error) {
	session, err := c.loadFresh(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	raw, err := c.do(ctx, "get_user", http.MethodGet, userPath, nil, session.AccessToken)
	if err != nil {
		if isAuthRejection(err) {
			c.discard(ctx, "session rejected by auth service")
			return nil, nil
		}
		return nil, err
	}

	var user userResponse
	if err := json.Unmarshal(raw, &user); err != nil || user.ID == "" {
		return nil, &model.ServiceError{Message: "unexpected user response"}
	}

	if user.Email != session.Email || !equalTime(user.EmailConfirmedAt, session.EmailConfirmedAt) {
		session.Email = user.Email
		session.EmailConfirmedAt = user.EmailConfirmedAt
		if err := c.store.Save(ctx, session); err != nil {
			c.logger.Warn("failed to update stored session", slog.String("error", err.Error()))
		}
	}

	return session.Identity(), nil
}

// SignIn はメールアドレスとパスワードでログインし、セッションを保存する。
func (c *GoTrueClient) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	raw, err := c.do(ctx, "sign_in", http.MethodPost, tokenPath+"?grant_type=password",
		map[string]string{"email": email, "password": password}, "")
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, &model.ServiceError{Message: "unexpected token response"}
	}

	session, err := c.sessionFromToken(&tr, nil)
	if err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	identity := session.Identity()
	c.emit(ctx, model.AuthEventSignedIn, identity)
	return identity, nil
}

// SignUp はアカウントを作成する。
// 認証サービスがセッションを返した場合（メール確認不要）はログイン状態になる。
func (c *GoTrueClient) SignUp(ctx context.Context, email, password string) (*model.Identity, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	raw, err := c.do(ctx, "sign_up", http.MethodPost, signupPath,
		map[string]string{"email": email, "password": password}, "")
	if err != nil {
		return nil, err
	}

	var sr signupResponse
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, &model.ServiceError{Message: "unexpected signup response"}
	}

	if sr.AccessToken == "" {
		if sr.userResponse.ID == "" {
			return nil, &model.ServiceError{Message: "signup returned no user"}
		}
		c.logger.Info("account created, email confirmation pending",
			slog.String("user_id", sr.userResponse.ID),
		)
		return &model.Identity{
			ID:               sr.userResponse.ID,
			Email:            sr.userResponse.Email,
			EmailConfirmedAt: sr.userResponse.EmailConfirmedAt,
		}, nil
	}

	session, err := c.sessionFromToken(&sr.tokenResponse, nil)
	if err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	identity := session.Identity()
	c.emit(ctx, model.AuthEventSignedIn, identity)
	return identity, nil
}

// SignOut はセッションを破棄する。
// 認証サービス側でセッションがすでに無効な場合は成功として扱う。
// 通信エラー等の場合は保存済みセッションを残したままエラーを返す。
func (c *GoTrueClient) SignOut(ctx context.Context) error {
	session, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	if session != nil && session.AccessToken != "" {
		if _, err := c.do(ctx, "sign_out", http.MethodPost, logoutPath, nil, session.AccessToken); err != nil && !isAuthRejection(err) {
			return err
		}
	}

	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	c.emit(ctx, model.AuthEventSignedOut, nil)
	return nil
}

// OnSessionChange はセッション変更リスナーを登録する。
// 返される解除関数は何度呼んでも1回だけ解除する。
func (c *GoTrueClient) OnSessionChange(fn func(model.AuthEvent)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// AccessToken は現在のアクセストークンを返す。ログインしていない場合は空文字列。
// プロフィールストアへのリクエストに使用する。
func (c *GoTrueClient) AccessToken(ctx context.Context) (string, error) {
	session, err := c.loadFresh(ctx)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", nil
	}
	return session.AccessToken, nil
}

// StartAutoRefresh はintervalごとにトークンの期限を確認し、期限切れ間近なら更新する。
// ctxがキャンセルされると停止する。intervalが0以下の場合はDefaultRefreshIntervalを使う。
func (c *GoTrueClient) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.refreshIfNeeded(ctx)
			}
		}
	}()
}

// WatchBroadcasts は他プロセスからのセッション変更通知をリスナーに配信する。
// TokenStoreがBroadcasterでない場合は何もしない。
func (c *GoTrueClient) WatchBroadcasts(ctx context.Context) {
	b, ok := c.store.(Broadcaster)
	if !ok {
		return
	}

	go func() {
		err := b.Subscribe(ctx, func(msg BroadcastMessage) {
			if msg.Origin == c.origin {
				return
			}
			var identity *model.Identity
			if msg.Type != model.AuthEventSignedOut {
				session, err := c.store.Load(ctx)
				if err != nil {
					c.logger.Warn("failed to load session for broadcast", slog.String("error", err.Error()))
					return
				}
				if session != nil {
					identity = session.Identity()
				}
			}
			c.logger.Info("session change from another process",
				slog.String("event", string(msg.Type)),
			)
			c.dispatch(model.AuthEvent{Type: msg.Type, Identity: identity})
		})
		if err != nil {
			c.logger.Error("session broadcast subscription ended", slog.String("error", err.Error()))
		}
	}()
}

// refreshIfNeeded は自動更新の1周期分の処理を行う。
func (c *GoTrueClient) refreshIfNeeded(ctx context.Context) {
	session, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn("auto refresh: failed to load session", slog.String("error", err.Error()))
		return
	}
	if session == nil || !session.expiresWithin(c.now(), c.refreshMargin) {
		return
	}

	if _, err := c.refresh(ctx, session); err != nil {
		if isAuthRejection(err) {
			c.discard(ctx, "refresh token rejected")
			return
		}
		c.logger.Warn("auto refresh failed, will retry", slog.String("error", err.Error()))
	}
}

// loadFresh は保存済みセッションを読み込み、期限切れ間近なら更新して返す。
func (c *GoTrueClient) loadFresh(ctx context.Context) (*Session, error) {
	session, err := c.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil || !session.expiresWithin(c.now(), c.refreshMargin) {
		return session, nil
	}

	refreshed, err := c.refresh(ctx, session)
	if err != nil {
		if isAuthRejection(err) {
			c.discard(ctx, "refresh token rejected")
			return nil, nil
		}
		return nil, err
	}
	return refreshed, nil
}

// refresh はリフレッシュトークンでセッションを更新し、TOKEN_REFRESHEDを通知する。
// 同時に複数の更新が走らないようにする。
func (c *GoTrueClient) refresh(ctx context.Context, session *Session) (*Session, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// 待っている間に別のgoroutineが更新済みならそれを使う
	if current, err := c.store.Load(ctx); err == nil && current != nil &&
		current.RefreshToken != session.RefreshToken && !current.expiresWithin(c.now(), c.refreshMargin) {
		return current, nil
	}

	raw, err := c.do(ctx, "refresh", http.MethodPost, tokenPath+"?grant_type=refresh_token",
		map[string]string{"refresh_token": session.RefreshToken}, "")
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, &model.ServiceError{Message: "unexpected token response"}
	}

	refreshed, err := c.sessionFromToken(&tr, session)
	if err != nil {
		return nil, err
	}
	if err := c.store.Save(ctx, refreshed); err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	c.emit(ctx, model.AuthEventTokenRefreshed, refreshed.Identity())
	return refreshed, nil
}

// discard は保存済みセッションを破棄してSIGNED_OUTを通知する。
func (c *GoTrueClient) discard(ctx context.Context, reason string) {
	c.logger.Info("discarding stored session", slog.String("reason", reason))
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("failed to clear session", slog.String("error", err.Error()))
	}
	c.emit(ctx, model.AuthEventSignedOut, nil)
}

// sessionFromToken はトークンレスポンスからSessionを生成する。
// ユーザー情報がレスポンスにない場合はprevから引き継ぐ。
func (c *GoTrueClient) sessionFromToken(tr *tokenResponse, prev *Session) (*Session, error) {
	if tr.AccessToken == "" {
		return nil, &model.ServiceError{Message: "empty access token in response"}
	}

	session := &Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
	}

	switch {
	case tr.User != nil && tr.User.ID != "":
		session.UserID = tr.User.ID
		session.Email = tr.User.Email
		session.EmailConfirmedAt = tr.User.EmailConfirmedAt
	case prev != nil:
		session.UserID = prev.UserID
		session.Email = prev.Email
		session.EmailConfirmedAt = prev.EmailConfirmedAt
	default:
		return nil, &model.ServiceError{Message: "token response has no user"}
	}

	if exp, ok := tokenExpiry(tr.AccessToken); ok {
		session.ExpiresAt = exp
	} else if tr.ExpiresAt > 0 {
		session.ExpiresAt = time.Unix(tr.ExpiresAt, 0)
	} else if tr.ExpiresIn > 0 {
		session.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	return session, nil
}

// emit はローカルのリスナーに通知し、共有ストアの場合は他プロセスにも通知する。
func (c *GoTrueClient) emit(ctx context.Context, eventType model.AuthEventType, identity *model.Identity) {
	c.dispatch(model.AuthEvent{Type: eventType, Identity: identity})

	b, ok := c.store.(Broadcaster)
	if !ok {
		return
	}
	msg := BroadcastMessage{Origin: c.origin, Type: eventType}
	if identity != nil {
		msg.UserID = identity.ID
		msg.Email = identity.Email
	}
	if err := b.Publish(ctx, msg); err != nil {
		c.logger.Warn("failed to broadcast session change",
			slog.String("event", string(eventType)),
			slog.String("error", err.Error()),
		)
	}
}

// dispatch は登録済みリスナーをそれぞれ別goroutineで呼び出す。
func (c *GoTrueClient) dispatch(ev model.AuthEvent) {
	c.mu.Lock()
	fns := make([]func(model.AuthEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		go fn(ev)
	}
}

// wait は認証リクエストのレート制限を待つ。
func (c *GoTrueClient) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit wait: %w", model.ErrNetwork, err)
	}
	return nil
}

// do は認証サービスにリクエストを送り、2xxの場合にボディを返す。
// bearerが空の場合は匿名キーで認証する。
func (c *GoTrueClient) do(ctx context.Context, op, method, path string, payload any, bearer string) ([]byte, error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordGatewayLatency(op, time.Since(start))
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("auth service request failed",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %w", model.ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", model.ErrNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		classified := classifyError(resp.StatusCode, raw)
		c.logger.Warn("auth service returned error status",
			slog.String("op", op),
			slog.Int("http_status", resp.StatusCode),
			slog.String("error", classified.Error()),
		)
		return nil, classified
	}

	return raw, nil
}

// classifyError はエラーレスポンスをmodelのエラー分類に変換する。
// 分類に該当しないものは*model.ServiceErrorとしてリモートのメッセージを保持する。
func classifyError(status int, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)

	msg := firstNonEmpty(eb.Msg, eb.Message, eb.ErrorDescription, eb.Error)
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	code := firstNonEmpty(eb.ErrorCode, eb.Error)

	svcErr := &model.ServiceError{Status: status, Code: code, Message: msg}
	lower := strings.ToLower(msg)

	switch {
	case code == "invalid_credentials" || strings.Contains(lower, "invalid login credentials"):
		return fmt.Errorf("%w: %w", model.ErrInvalidCredentials, svcErr)
	case code == "email_not_confirmed" || strings.Contains(lower, "email not confirmed"):
		return fmt.Errorf("%w: %w", model.ErrEmailNotConfirmed, svcErr)
	case code == "user_already_exists" || strings.Contains(lower, "user already registered"):
		return fmt.Errorf("%w: %w", model.ErrAlreadyRegistered, svcErr)
	}
	return svcErr
}

// isAuthRejection はセッションまたはトークンが認証サービスに拒否されたかを返す。
// 通信エラーは含まない。
func isAuthRejection(err error) bool {
	if errors.Is(err, model.ErrNetwork) {
		return false
	}
	var svcErr *model.ServiceError
	if !errors.As(err, &svcErr) {
		return false
	}
	switch svcErr.Status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// compile-time interface check
var _ Gateway = (*GoTrueClient)(nil)
