package handler

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/hitoshi/rentsession/internal/model"
	"github.com/hitoshi/rentsession/internal/session"
	"github.com/hitoshi/rentsession/internal/user"
)

// --- モック定義 ---

type mockSessionService struct {
	loginFn           func(ctx context.Context, email, password string, intendedRole *model.Role) error
	signupFn          func(ctx context.Context, in user.SignupInput) error
	completeProfileFn func(ctx context.Context, in user.ProfileInput) error
	logoutFn          func(ctx context.Context) error
}

func (m *mockSessionService) Login(ctx context.Context, email, password string, intendedRole *model.Role) error {
	if m.loginFn != nil {
		return m.loginFn(ctx, email, password, intendedRole)
	}
	return nil
}

func (m *mockSessionService) Signup(ctx context.Context, in user.SignupInput) error {
	if m.signupFn != nil {
		return m.signupFn(ctx, in)
	}
	return nil
}

func (m *mockSessionService) CompleteProfile(ctx context.Context, in user.ProfileInput) error {
	if m.completeProfileFn != nil {
		return m.completeProfileFn(ctx, in)
	}
	return nil
}

func (m *mockSessionService) Logout(ctx context.Context) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx)
	}
	return nil
}

// fakeState はテストから状態と通知を操作できるStateSource。
type fakeState struct {
	mu         sync.Mutex
	state      session.State
	ch         chan session.Event
	closeOnce  sync.Once
	subscribed chan struct{}
	cancelled  chan struct{}
}

func newFakeState(st session.State) *fakeState {
	return &fakeState{
		state:      st,
		ch:         make(chan session.Event, 1),
		subscribed: make(chan struct{}, 1),
		cancelled:  make(chan struct{}, 1),
	}
}

func (f *fakeState) Snapshot() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeState) Subscribe() (<-chan session.Event, func()) {
	select {
	case f.subscribed <- struct{}{}:
	default:
	}
	return f.ch, func() {
		select {
		case f.cancelled <- struct{}{}:
		default:
		}
	}
}

func (f *fakeState) set(st session.State) {
	f.mu.Lock()
	f.state = st
	f.mu.Unlock()
}

// publish は状態を更新して購読者に通知する。
func (f *fakeState) publish(st session.State) {
	f.set(st)
	f.ch <- session.Event{State: st}
}

// shutdown はStoreのcloseと同様に通知チャンネルを閉じる。
func (f *fakeState) shutdown() {
	f.closeOnce.Do(func() { close(f.ch) })
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

func ownerUser() *model.SessionUser {
	return &model.SessionUser{ID: "u1", Email: "u1@example.com", Role: model.RoleOwner, Name: strPtr("Mina")}
}
