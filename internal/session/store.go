package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"thingsnxt-sync/internal/models"
	"thingsnxt-sync/internal/store"

	"go.uber.org/zap"
)

const (
	accessTokenKey  = "thingsnxt:session:access_token"
	refreshTokenKey = "thingsnxt:session:refresh_token"
	usernameKey     = "thingsnxt:session:username"
)

// Store 会话存储
// 持有当前登录会话，凭证通过 KV 持久化，进程重启后可恢复。
// 登出时通过 close hook 同步通知实时通道主动关闭（区别于意外断线），
// 避免自动重连在会话销毁后继续触发
type Store struct {
	mu        sync.RWMutex
	current   *models.Session
	kv        store.KVStore
	logger    *zap.Logger
	closeHook func(reason string)
}

// NewStore 创建会话存储
func NewStore(kv store.KVStore, logger *zap.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger,
	}
}

// SetCloseHook 注册登出时的通道关闭回调（由 SyncService 装配时注入）
func (s *Store) SetCloseHook(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeHook = fn
}

// Restore 启动时从 KV 恢复持久化的会话；无持久化会话时返回 (nil, nil)
func (s *Store) Restore(ctx context.Context) (*models.Session, error) {
	accessToken, err := s.kv.Get(ctx, accessTokenKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}

	sess := &models.Session{AccessToken: accessToken}
	if refreshToken, err := s.kv.Get(ctx, refreshTokenKey); err == nil {
		sess.RefreshToken = refreshToken
	}
	if username, err := s.kv.Get(ctx, usernameKey); err == nil {
		sess.Username = username
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	s.logger.Info("Session restored",
		zap.String("username", sess.Username),
	)

	return sess, nil
}

// Establish 建立新会话（登录/注册成功后调用），凭证写入 KV
func (s *Store) Establish(ctx context.Context, sess *models.Session) error {
	if sess == nil || sess.AccessToken == "" {
		return fmt.Errorf("invalid session: missing access token")
	}

	if err := s.kv.Set(ctx, accessTokenKey, sess.AccessToken, 0); err != nil {
		return fmt.Errorf("failed to persist access token: %w", err)
	}
	if err := s.kv.Set(ctx, refreshTokenKey, sess.RefreshToken, 0); err != nil {
		return fmt.Errorf("failed to persist refresh token: %w", err)
	}
	if err := s.kv.Set(ctx, usernameKey, sess.Username, 0); err != nil {
		return fmt.Errorf("failed to persist username: %w", err)
	}

	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()

	s.logger.Info("Session established",
		zap.String("username", sess.Username),
	)

	return nil
}

// Current 返回当前会话的副本，未登录时返回 nil
func (s *Store) Current() *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return nil
	}
	copied := *s.current
	return &copied
}

// Token 当前访问令牌（未登录时为空字符串）
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return ""
	}
	return s.current.AccessToken
}

// RefreshToken 当前刷新令牌
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.current == nil {
		return ""
	}
	return s.current.RefreshToken
}

// UpdateAccessToken 令牌刷新成功后更新访问令牌
func (s *Store) UpdateAccessToken(ctx context.Context, token string) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return fmt.Errorf("no active session")
	}
	s.current.AccessToken = token
	s.mu.Unlock()

	return s.kv.Set(ctx, accessTokenKey, token, 0)
}

// Clear 销毁会话（登出或认证失效）
// 先同步触发通道关闭回调，再清除持久化凭证，
// 保证自动重连不会在会话销毁后使用旧令牌
func (s *Store) Clear(ctx context.Context, reason string) error {
	s.mu.Lock()
	hook := s.closeHook
	s.current = nil
	s.mu.Unlock()

	if hook != nil {
		hook(reason)
	}

	if err := s.kv.Delete(ctx, accessTokenKey, refreshTokenKey, usernameKey); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	s.logger.Info("Session cleared",
		zap.String("reason", reason),
	)

	return nil
}
