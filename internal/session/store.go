// Package session はプロセス全体で1つのログインセッション状態と、
// 認証サービス・プロフィールストアとの同期処理を提供する。
package session

import (
	"log/slog"
	"sync"

	"github.com/hitoshi/rentsession/internal/metrics"
	"github.com/hitoshi/rentsession/internal/model"
)

// State はUIに公開するセッション状態のスナップショット。
type State struct {
	User    *model.SessionUser `json:"user"`
	Loading bool               `json:"loading"`
}

// Event はセッション状態が変化したことを購読者に通知する。
type Event struct {
	State State `json:"state"`
}

// Store はcurrentUserとloadingを保持する。
// 書き込みはOrchestratorのみが行い、読み取りと購読は誰でも行える。
//
// sequencedが有効な場合、各書き込みは呼び出しチェーンの世代番号を持ち、
// 最後に反映した世代より古い書き込みは破棄される。無効な場合は後勝ち。
type Store struct {
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	sequenced bool

	mu        sync.RWMutex
	user      *model.SessionUser
	loading   bool
	committed uint64

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
	closed  bool
}

// NewStore はStoreを生成する。初期状態はuserなし、loading=true。
func NewStore(logger *slog.Logger, mc metrics.MetricsCollector, sequenced bool) *Store {
	if mc == nil {
		mc = metrics.Nop{}
	}
	mc.SetLoading(true)
	return &Store{
		logger:    logger,
		metrics:   mc,
		sequenced: sequenced,
		loading:   true,
		subs:      make(map[int]chan Event),
	}
}

// Snapshot は現在の状態のコピーを返す。
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{User: s.user.Clone(), Loading: s.loading}
}

// CurrentUser は現在のユーザーのコピーを返す。ログインしていない場合はnil。
func (s *Store) CurrentUser() *model.SessionUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user.Clone()
}

// Loading は処理中かどうかを返す。
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Subscribe は状態変化の通知チャンネルと解除関数を返す。
// 受信が遅れた購読者には最新の状態だけが残る。通知のために書き込み側が待つことはない。
// 解除関数は何度呼んでも1回だけチャンネルを閉じる。
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 1)

	s.subMu.Lock()
	if s.closed {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.metrics.SetSubscribers(len(s.subs))
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
				s.metrics.SetSubscribers(len(s.subs))
			}
		})
	}
}

// setUser はcurrentUserを置き換える。反映された場合にtrueを返す。
func (s *Store) setUser(gen uint64, user *model.SessionUser) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.accept(gen, "user") {
		return false
	}
	if s.user.Equal(user) {
		return true
	}
	s.user = user.Clone()
	s.publishLocked()
	return true
}

// setLoading はloadingを更新する。反映された場合にtrueを返す。
func (s *Store) setLoading(gen uint64, loading bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.accept(gen, "loading") {
		return false
	}
	if s.loading == loading {
		return true
	}
	s.loading = loading
	s.metrics.SetLoading(loading)
	s.publishLocked()
	return true
}

// accept は世代番号に基づいて書き込みを受け付けるか判定する。s.muを保持して呼ぶ。
func (s *Store) accept(gen uint64, field string) bool {
	if !s.sequenced {
		return true
	}
	if gen < s.committed {
		s.logger.Debug("stale session write rejected",
			slog.String("field", field),
			slog.Uint64("generation", gen),
			slog.Uint64("committed", s.committed),
		)
		return false
	}
	s.committed = gen
	return true
}

// publishLocked は現在の状態を全購読者に送る。s.muを保持して呼ぶことで送信順序を書き込み順に揃える。
func (s *Store) publishLocked() {
	ev := Event{State: State{User: s.user.Clone(), Loading: s.loading}}

	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// 未受信の古い状態を捨てて最新に置き換える
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

// close は全購読者のチャンネルを閉じ、以降の購読を受け付けない。
func (s *Store) close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.metrics.SetSubscribers(0)
}
