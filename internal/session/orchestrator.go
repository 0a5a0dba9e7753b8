package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/rentsession/internal/auth"
	"github.com/hitoshi/rentsession/internal/metrics"
	"github.com/hitoshi/rentsession/internal/model"
	"github.com/hitoshi/rentsession/internal/repository"
	"github.com/hitoshi/rentsession/internal/user"
)

// ErrAlreadyStarted はStartが2回呼ばれた場合のエラー。
var ErrAlreadyStarted = errors.New("session orchestrator already started")

const (
	// DefaultProfileRetryAttempts はプロフィール作成の既定の試行回数。
	DefaultProfileRetryAttempts = 3
	// DefaultProfileRetryDelay はプロフィール作成の再試行の初回待ち時間。
	DefaultProfileRetryDelay = 500 * time.Millisecond

	// databaseErrorSavingUser は認証サービス側でユーザー保存に失敗した場合のメッセージ。
	databaseErrorSavingUser = "Database error saving new user"
)

// Config はOrchestratorの設定。
type Config struct {
	ProfileRetryAttempts int
	ProfileRetryDelay    time.Duration
}

// Orchestrator はセッションの起動時確認、認証サービスの変更通知、
// ログイン・サインアップ・ログアウトを調停してStoreに反映する。
type Orchestrator struct {
	gateway    auth.Gateway
	profiles   repository.ProfileRepository
	store      *Store
	normalizer *user.Normalizer
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	retry      retryPolicy
	sleep      sleepFunc

	gen     atomic.Uint64
	started atomic.Bool

	mu          sync.Mutex
	unsubscribe func()
	closeOnce   sync.Once

	// bgCtx は変更通知から始まる処理に使う。Closeでキャンセルされる。
	bgCtx  context.Context
	cancel context.CancelFunc
}

// NewOrchestrator はOrchestratorを生成する。
func NewOrchestrator(
	gateway auth.Gateway,
	profiles repository.ProfileRepository,
	store *Store,
	normalizer *user.Normalizer,
	logger *slog.Logger,
	mc metrics.MetricsCollector,
	cfg Config,
) *Orchestrator {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if cfg.ProfileRetryAttempts <= 0 {
		cfg.ProfileRetryAttempts = DefaultProfileRetryAttempts
	}
	if cfg.ProfileRetryDelay <= 0 {
		cfg.ProfileRetryDelay = DefaultProfileRetryDelay
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		gateway:    gateway,
		profiles:   profiles,
		store:      store,
		normalizer: normalizer,
		logger:     logger,
		metrics:    mc,
		retry:      retryPolicy{attempts: cfg.ProfileRetryAttempts, initial: cfg.ProfileRetryDelay},
		sleep:      sleepContext,
		bgCtx:      bgCtx,
		cancel:     cancel,
	}
}

// Store はセッション状態を返す。
func (o *Orchestrator) Store() *Store {
	return o.store
}

// Start は変更通知を購読してから保存済みセッションを確認する。
// 結果にかかわらずloadingはfalseになる。Orchestratorごとに1回だけ呼べる。
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	o.mu.Lock()
	o.unsubscribe = o.gateway.OnSessionChange(o.handleAuthEvent)
	o.mu.Unlock()

	gen := o.nextGen()
	defer o.store.setLoading(gen, false)

	identity, err := o.gateway.CurrentSession(ctx)
	if err != nil {
		o.logger.Warn("initial session check failed",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if identity == nil {
		o.logger.Info("no existing session")
		return nil
	}

	o.resolveProfile(ctx, gen, identity)
	return nil
}

// handleAuthEvent は認証サービスのセッション変更通知を処理する。
func (o *Orchestrator) handleAuthEvent(ev model.AuthEvent) {
	ctx := o.bgCtx
	if ctx.Err() != nil {
		return
	}

	gen := o.nextGen()
	o.logger.Debug("auth state changed",
		slog.String("event", string(ev.Type)),
		slog.Uint64("generation", gen),
	)

	if ev.Identity != nil {
		o.resolveProfile(ctx, gen, ev.Identity)
	} else {
		o.store.setUser(gen, nil)
	}
	o.store.setLoading(gen, false)
}

// resolveProfile はIdentityに対応するプロフィールを取得してcurrentUserに反映する。
// プロフィールがない場合や取得に失敗した場合はログのみ記録し、currentUserは変更しない。
// 反映したユーザーを返す。
func (o *Orchestrator) resolveProfile(ctx context.Context, gen uint64, identity *model.Identity) *model.SessionUser {
	profile, err := o.profiles.FindByID(ctx, identity.ID)
	if err != nil {
		o.metrics.RecordProfileResolution("error")
		o.logger.Error("failed to fetch profile",
			slog.String("user_id", identity.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if profile == nil {
		o.metrics.RecordProfileResolution("missing")
		o.logger.Warn("profile not found for authenticated user",
			slog.String("user_id", identity.ID),
		)
		return nil
	}

	o.metrics.RecordProfileResolution("found")
	merged := model.MergeSessionUser(identity, profile)
	o.store.setUser(gen, merged)
	return merged
}

// Login はメールアドレスとパスワードでログインする。
// intendedRoleが指定され、プロフィールのロールと異なる場合は警告を記録する（動作は変えない）。
func (o *Orchestrator) Login(ctx context.Context, email, password string, intendedRole *model.Role) error {
	gen := o.nextGen()
	o.store.setLoading(gen, true)
	defer o.store.setLoading(gen, false)

	identity, err := o.gateway.SignIn(ctx, email, password)
	if err != nil {
		apiErr := translateLoginError(err)
		o.recordFailure("login", apiErr, err)
		return apiErr
	}

	resolved := o.resolveProfile(ctx, gen, identity)
	if intendedRole != nil && resolved != nil && resolved.Role != *intendedRole {
		o.logger.Warn("logged in with a different role than selected",
			slog.String("user_id", identity.ID),
			slog.String("selected_role", string(*intendedRole)),
			slog.String("profile_role", string(resolved.Role)),
		)
	}

	o.metrics.RecordAuthOperation("login", "success")
	o.logger.Info("user logged in", slog.String("user_id", identity.ID))
	return nil
}

// Signup はアカウントを作成し、続けてプロフィール行を作成する。
// アカウント作成後にプロフィール作成が失敗した場合、アカウントは残したまま
// PROFILE_SETUP_FAILEDを返す。利用者はログインしてCompleteProfileで再試行できる。
func (o *Orchestrator) Signup(ctx context.Context, in user.SignupInput) error {
	signup, err := o.normalizer.Signup(in)
	if err != nil {
		o.metrics.RecordAuthOperation("signup", "validation_failed")
		return err
	}

	gen := o.nextGen()
	o.store.setLoading(gen, true)
	defer o.store.setLoading(gen, false)

	identity, err := o.gateway.SignUp(ctx, signup.Email, signup.Password)
	if err != nil {
		apiErr := translateSignupError(err)
		o.recordFailure("signup", apiErr, err)
		return apiErr
	}

	email := identity.Email
	if email == "" {
		email = signup.Email
	}
	profile := &model.Profile{
		ID:    identity.ID,
		Email: email,
		Role:  signup.Role,
		Name:  signup.Name,
		Phone: signup.Phone,
	}
	if err := o.upsertProfile(ctx, profile); err != nil {
		apiErr := model.NewProfileSetupFailedError(err)
		o.recordFailure("signup", apiErr, err)
		return apiErr
	}

	o.resolveProfile(ctx, gen, identity)
	o.metrics.RecordAuthOperation("signup", "success")
	o.logger.Info("user signed up",
		slog.String("user_id", identity.ID),
		slog.String("role", string(signup.Role)),
	)
	return nil
}

// CompleteProfile はログイン中のユーザーのプロフィール行を作成する。
// サインアップ時にプロフィール作成が失敗した場合の再試行に使う。
// プロフィールがすでに存在する場合、ロールは既存の値を維持する。
func (o *Orchestrator) CompleteProfile(ctx context.Context, in user.ProfileInput) error {
	fields, err := o.normalizer.Profile(in)
	if err != nil {
		o.metrics.RecordAuthOperation("complete_profile", "validation_failed")
		return err
	}

	gen := o.nextGen()
	o.store.setLoading(gen, true)
	defer o.store.setLoading(gen, false)

	identity, err := o.gateway.CurrentSession(ctx)
	if err != nil {
		apiErr := model.NewProfileSetupFailedError(err)
		o.recordFailure("complete_profile", apiErr, err)
		return apiErr
	}
	if identity == nil {
		apiErr := model.NewNotAuthenticatedError()
		o.recordFailure("complete_profile", apiErr, apiErr.Err)
		return apiErr
	}

	role := fields.Role
	existing, err := o.profiles.FindByID(ctx, identity.ID)
	if err != nil {
		apiErr := model.NewProfileSetupFailedError(err)
		o.recordFailure("complete_profile", apiErr, err)
		return apiErr
	}
	if existing != nil && existing.Role != role {
		o.logger.Warn("keeping existing role for profile",
			slog.String("user_id", identity.ID),
			slog.String("requested_role", string(role)),
			slog.String("existing_role", string(existing.Role)),
		)
		role = existing.Role
	}

	profile := &model.Profile{
		ID:    identity.ID,
		Email: identity.Email,
		Role:  role,
		Name:  fields.Name,
		Phone: fields.Phone,
	}
	if err := o.upsertProfile(ctx, profile); err != nil {
		apiErr := model.NewProfileSetupFailedError(err)
		o.recordFailure("complete_profile", apiErr, err)
		return apiErr
	}

	o.resolveProfile(ctx, gen, identity)
	o.metrics.RecordAuthOperation("complete_profile", "success")
	return nil
}

// Logout はログアウトする。認証サービスの呼び出し結果にかかわらずcurrentUserはなしになる。
func (o *Orchestrator) Logout(ctx context.Context) error {
	gen := o.nextGen()
	o.store.setLoading(gen, true)
	defer o.store.setLoading(gen, false)

	err := o.gateway.SignOut(ctx)
	o.store.setUser(gen, nil)

	if err != nil {
		apiErr := translateLogoutError(err)
		o.recordFailure("logout", apiErr, err)
		return apiErr
	}

	o.metrics.RecordAuthOperation("logout", "success")
	o.logger.Info("user logged out")
	return nil
}

// Close は変更通知の購読を解除し、通知から始まる処理を止め、Storeの購読者を閉じる。
// 何度呼んでも1回だけ実行される。
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		unsubscribe := o.unsubscribe
		o.unsubscribe = nil
		o.mu.Unlock()

		if unsubscribe != nil {
			unsubscribe()
		}
		o.cancel()
		o.store.close()
	})
}

// upsertProfile はプロフィールを再試行付きで作成する。
func (o *Orchestrator) upsertProfile(ctx context.Context, profile *model.Profile) error {
	err := retry(ctx, o.retry, o.sleep,
		func() error { return o.profiles.Upsert(ctx, profile) },
		func(attempt int, delay time.Duration, err error) {
			o.logger.Warn("profile upsert failed, retrying",
				slog.String("user_id", profile.ID),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
		},
	)
	if err != nil {
		o.logger.Error("profile setup failed",
			slog.String("user_id", profile.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (o *Orchestrator) nextGen() uint64 {
	return o.gen.Add(1)
}

// recordFailure は失敗した操作をメトリクスとログに記録する。
func (o *Orchestrator) recordFailure(op string, apiErr *model.APIError, cause error) {
	o.metrics.RecordAuthOperation(op, strings.ToLower(apiErr.Code))
	o.logger.Warn(op+" failed",
		slog.String("code", apiErr.Code),
		slog.String("error", cause.Error()),
	)
}

// translateLoginError はログイン失敗を利用者向けのエラーに変換する。
func translateLoginError(err error) *model.APIError {
	switch {
	case errors.Is(err, model.ErrInvalidCredentials):
		return model.NewInvalidCredentialsError(err)
	case errors.Is(err, model.ErrEmailNotConfirmed):
		return model.NewEmailNotConfirmedError(err)
	case errors.Is(err, model.ErrNetwork):
		return model.NewNetworkError(err)
	default:
		return model.NewRemoteError(model.ErrCodeLoginFailed, "Login failed", err)
	}
}

// translateSignupError はサインアップ失敗を利用者向けのエラーに変換する。
func translateSignupError(err error) *model.APIError {
	switch {
	case errors.Is(err, model.ErrAlreadyRegistered):
		return model.NewAlreadyRegisteredError(err)
	case strings.Contains(model.RemoteMessage(err), databaseErrorSavingUser):
		return model.NewAccountCreationError(err)
	case errors.Is(err, model.ErrNetwork):
		return model.NewNetworkError(err)
	default:
		return model.NewRemoteError(model.ErrCodeSignupFailed, "Signup failed", err)
	}
}

// translateLogoutError はログアウト失敗を利用者向けのエラーに変換する。
func translateLogoutError(err error) *model.APIError {
	if errors.Is(err, model.ErrNetwork) {
		return model.NewNetworkError(err)
	}
	return model.NewRemoteError(model.ErrCodeLogoutFailed, "Logout failed", err)
}
