// internal/pkg/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrSessionNotFound 表示会话不存在或已过期被 Redis 淘汰。
var ErrSessionNotFound = errors.New("checkout session not found")

// CheckoutSession 是结算会话在 Redis 中的映像。
// 权威的过期时间在预留记录上，这里只保存用于倒计时展示的冗余副本。
type CheckoutSession struct {
	SessionID string    `redis:"session_id"`
	HolderID  string    `redis:"holder_id"`
	ExpiresAt time.Time `redis:"expires_at"`
}

// Manager 管理结算会话与网关节点归属两类短生命周期映射。
type Manager struct {
	rdb *redis.Client
}

func NewManager(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb}
}

func sessionKey(sessionID string) string {
	return "checkout:session:" + sessionID
}

// BindSession 写入一个结算会话。
// TTL 在预留过期时间之后再留出一段余量，保证会话查询在 Sweeper
// 清理前后都能得到一致的答案。
func (m *Manager) BindSession(ctx context.Context, s CheckoutSession) error {
	key := sessionKey(s.SessionID)
	pipe := m.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"holder_id":  s.HolderID,
		"expires_at": s.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
	ttl := time.Until(s.ExpiresAt) + 10*time.Minute
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to bind checkout session: %w", err)
	}
	return nil
}

// LookupSession 查询一个结算会话。
func (m *Manager) LookupSession(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	vals, err := m.rdb.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to lookup checkout session: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrSessionNotFound
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, vals["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("corrupt expires_at in session %s: %w", sessionID, err)
	}
	return &CheckoutSession{
		SessionID: sessionID,
		HolderID:  vals["holder_id"],
		ExpiresAt: expiresAt,
	}, nil
}

// TouchSession 在租约续期后同步更新会话的过期副本。
func (m *Manager) TouchSession(ctx context.Context, sessionID string, expiresAt time.Time) error {
	key := sessionKey(sessionID)
	pipe := m.rdb.Pipeline()
	pipe.HSet(ctx, key, "expires_at", expiresAt.UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key, time.Until(expiresAt)+10*time.Minute)
	_, err := pipe.Exec(ctx)
	return err
}

// DropSession 删除会话。幂等：会话不存在也视为成功。
func (m *Manager) DropSession(ctx context.Context, sessionID string) error {
	return m.rdb.Del(ctx, sessionKey(sessionID)).Err()
}

// SetViewerGateway 记录某个浏览者连接在哪个推送网关节点上，
// 供跨节点路由库存事件使用。
func (m *Manager) SetViewerGateway(ctx context.Context, viewerID, nodeID string) error {
	return m.rdb.Set(ctx, "gateway:viewer:"+viewerID, nodeID, 24*time.Hour).Err()
}

// DropViewerGateway 在连接断开时清理归属记录。
func (m *Manager) DropViewerGateway(ctx context.Context, viewerID string) error {
	return m.rdb.Del(ctx, "gateway:viewer:"+viewerID).Err()
}
