package auth

import (
	"context"
	"sync"
)

// MemoryTokenStore はプロセス内メモリにセッションを保持するTokenStore。
// プロセス再起動でセッションは失われる。
type MemoryTokenStore struct {
	mu      sync.Mutex
	session *Session
}

// NewMemoryTokenStore はMemoryTokenStoreを生成する。
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

// Load は保存済みセッションのコピーを返す。
func (s *MemoryTokenStore) Load(_ context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, nil
	}
	c := *s.session
	return &c, nil
}

// Save はセッションのコピーを保存する。
func (s *MemoryTokenStore) Save(_ context.Context, session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *session
	s.session = &c
	return nil
}

// Clear は保存済みセッションを削除する。
func (s *MemoryTokenStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = nil
	return nil
}

var _ TokenStore = (*MemoryTokenStore)(nil)
