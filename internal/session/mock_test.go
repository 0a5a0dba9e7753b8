package session

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/rentsession/internal/model"
	"github.com/hitoshi/rentsession/internal/repository"
	"github.com/hitoshi/rentsession/internal/security"
	"github.com/hitoshi/rentsession/internal/user"
)

// --- モック定義 ---

type mockGateway struct {
	currentSessionFn func(ctx context.Context) (*model.Identity, error)
	signInFn         func(ctx context.Context, email, password string) (*model.Identity, error)
	signUpFn         func(ctx context.Context, email, password string) (*model.Identity, error)
	signOutFn        func(ctx context.Context) error

	mu               sync.Mutex
	listener         func(model.AuthEvent)
	subscribeCalls   int
	unsubscribeCalls int
}

func (m *mockGateway) CurrentSession(ctx context.Context) (*model.Identity, error) {
	if m.currentSessionFn != nil {
		return m.currentSessionFn(ctx)
	}
	return nil, nil
}

func (m *mockGateway) SignIn(ctx context.Context, email, password string) (*model.Identity, error) {
	if m.signInFn != nil {
		return m.signInFn(ctx, email, password)
	}
	return &model.Identity{ID: "u1", Email: email}, nil
}

func (m *mockGateway) SignUp(ctx context.Context, email, password string) (*model.Identity, error) {
	if m.signUpFn != nil {
		return m.signUpFn(ctx, email, password)
	}
	return &model.Identity{ID: "u1", Email: email}, nil
}

func (m *mockGateway) SignOut(ctx context.Context) error {
	if m.signOutFn != nil {
		return m.signOutFn(ctx)
	}
	return nil
}

func (m *mockGateway) OnSessionChange(fn func(model.AuthEvent)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeCalls++
	m.listener = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.unsubscribeCalls++
		m.listener = nil
	}
}

// fire は登録済みリスナーを同期的に呼び出す。
func (m *mockGateway) fire(ev model.AuthEvent) {
	m.mu.Lock()
	fn := m.listener
	m.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (m *mockGateway) calls() (subscribe, unsubscribe int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribeCalls, m.unsubscribeCalls
}

type mockProfileRepo struct {
	findByIDFn func(ctx context.Context, id string) (*model.Profile, error)
	upsertFn   func(ctx context.Context, profile *model.Profile) error
}

func (m *mockProfileRepo) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockProfileRepo) Upsert(ctx context.Context, profile *model.Profile) error {
	if m.upsertFn != nil {
		return m.upsertFn(ctx, profile)
	}
	return nil
}

// memoryProfiles はUpsertした行をFindByIDで返すプロフィールストア。
type memoryProfiles struct {
	mu      sync.Mutex
	rows    map[string]model.Profile
	upserts []model.Profile
}

func newMemoryProfiles(rows ...model.Profile) *memoryProfiles {
	m := &memoryProfiles{rows: make(map[string]model.Profile)}
	for _, r := range rows {
		m.rows[r.ID] = r
	}
	return m
}

func (m *memoryProfiles) FindByID(_ context.Context, id string) (*model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (m *memoryProfiles) Upsert(_ context.Context, profile *model.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[profile.ID] = *profile
	m.upserts = append(m.upserts, *profile)
	return nil
}

// --- ヘルパー ---

type testHarness struct {
	orch   *Orchestrator
	store  *Store
	logs   *syncBuffer
	delays []time.Duration
}

// syncBuffer は並行書き込みに対応したログ出力先。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newHarness(t *testing.T, gw *mockGateway, profiles repository.ProfileRepository, sequenced bool) *testHarness {
	t.Helper()

	logs := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store := NewStore(logger, nil, sequenced)
	normalizer := user.NewNormalizer(security.NewTextSanitizer(), "US")

	h := &testHarness{store: store, logs: logs}
	h.orch = NewOrchestrator(gw, profiles, store, normalizer, logger, nil, Config{})
	h.orch.sleep = func(_ context.Context, d time.Duration) error {
		h.delays = append(h.delays, d)
		return nil
	}
	t.Cleanup(h.orch.Close)
	return h
}

func strPtr(s string) *string { return &s }

func ownerProfile(id string) model.Profile {
	return model.Profile{ID: id, Email: id + "@example.com", Role: model.RoleOwner, Name: strPtr("Owner " + id)}
}
