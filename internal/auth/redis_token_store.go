package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// defaultRedisNamespace はキーとチャンネルの接頭辞。
	defaultRedisNamespace = "rentsession"
	// defaultSessionTTL はリフレッシュトークンの有効期間に合わせたキーのTTL。
	defaultSessionTTL = 30 * 24 * time.Hour
)

// RedisTokenStore はRedisにセッションを保存するTokenStore。
// 同じRedisを共有する複数プロセス間でセッションとセッション変更通知を共有する。
type RedisTokenStore struct {
	client  *redis.Client
	logger  *slog.Logger
	key     string
	channel string
	ttl     time.Duration
}

// NewRedisTokenStore はRedisTokenStoreを生成する。namespaceが空の場合は既定値を使う。
func NewRedisTokenStore(client *redis.Client, logger *slog.Logger, namespace string) *RedisTokenStore {
	if namespace == "" {
		namespace = defaultRedisNamespace
	}
	return &RedisTokenStore{
		client:  client,
		logger:  logger,
		key:     namespace + ":session",
		channel: namespace + ":session_events",
		ttl:     defaultSessionTTL,
	}
}

// Load は保存済みセッションを返す。キーが存在しない場合はnil, nil。
func (s *RedisTokenStore) Load(ctx context.Context) (*Session, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session from redis: %w", err)
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		// 壊れたデータはセッションなしとして扱う
		s.logger.Warn("discarding unreadable session in redis",
			slog.String("key", s.key),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return &session, nil
}

// Save はセッションをTTL付きで保存する。
func (s *RedisTokenStore) Save(ctx context.Context, session *Session) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := s.client.Set(ctx, s.key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save session to redis: %w", err)
	}
	return nil
}

// Clear は保存済みセッションを削除する。
func (s *RedisTokenStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear session in redis: %w", err)
	}
	return nil
}

// Publish はセッション変更をチャンネルに通知する。
func (s *RedisTokenStore) Publish(ctx context.Context, msg BroadcastMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}
	return s.client.Publish(ctx, s.channel, payload).Err()
}

// Subscribe はctxがキャンセルされるまでセッション変更通知を受信する。
func (s *RedisTokenStore) Subscribe(ctx context.Context, fn func(BroadcastMessage)) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// 購読確立を待つ
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var bm BroadcastMessage
			if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
				s.logger.Warn("ignoring malformed session broadcast",
					slog.String("error", err.Error()),
				)
				continue
			}
			fn(bm)
		}
	}
}

var (
	_ TokenStore  = (*RedisTokenStore)(nil)
	_ Broadcaster = (*RedisTokenStore)(nil)
)
