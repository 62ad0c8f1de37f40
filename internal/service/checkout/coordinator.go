// internal/service/checkout/coordinator.go
package checkout

import (
	"context"
	"time"

	"atelier/internal/pkg/logger"
	"atelier/internal/pkg/session"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// 过期前的提醒阈值。纯 UX 性质，对协议没有任何意义。
var warnThresholds = []time.Duration{60 * time.Second, 30 * time.Second}

// HolderReleaser 是协调器对预留引擎的最小依赖。
type HolderReleaser interface {
	ReleaseAllForHolder(ctx context.Context, holderID string) (int, error)
}

// SessionStore 是协调器对会话存储的依赖，由 pkg/session 的 Redis 实现满足。
type SessionStore interface {
	BindSession(ctx context.Context, s session.CheckoutSession) error
	LookupSession(ctx context.Context, sessionID string) (*session.CheckoutSession, error)
	TouchSession(ctx context.Context, sessionID string, expiresAt time.Time) error
	DropSession(ctx context.Context, sessionID string) error
}

// Coordinator 实现结算会话的倒计时与放弃检测。
//
// 倒计时完全由持久化的 expiresAt 派生：每次查询用墙钟重新计算剩余时间，
// 进程内不持有任何定时器。真正回收库存的权威是 Sweeper，
// 这里的一切（包括到期时的主动释放）都只是让 UI 更快感知。
type Coordinator struct {
	sessions SessionStore
	releaser HolderReleaser
	tracer   trace.Tracer
	now      func() time.Time
}

func NewCoordinator(sessions SessionStore, releaser HolderReleaser, tracer trace.Tracer) *Coordinator {
	return &Coordinator{
		sessions: sessions,
		releaser: releaser,
		tracer:   tracer,
		now:      time.Now,
	}
}

// StartSession 在预留成功后建立结算会话。
func (c *Coordinator) StartSession(ctx context.Context, sessionID, holderID string, expiresAt time.Time) error {
	if sessionID == "" || holderID == "" {
		return errors.New("sessionId and holderId are required")
	}
	return c.sessions.BindSession(ctx, session.CheckoutSession{
		SessionID: sessionID,
		HolderID:  holderID,
		ExpiresAt: expiresAt,
	})
}

// Touch 在租约续期后同步会话的过期副本。
func (c *Coordinator) Touch(ctx context.Context, sessionID string, expiresAt time.Time) error {
	return c.sessions.TouchSession(ctx, sessionID, expiresAt)
}

// CountdownStatus 是倒计时查询的响应。
type CountdownStatus struct {
	SessionID        string `json:"sessionId"`
	RemainingSeconds int    `json:"remainingSeconds"`
	Expired          bool   `json:"expired"`
	// Warning 在剩余时间落入提醒阈值内时给出提示档位（秒），否则为 0
	Warning int `json:"warningThresholdSeconds,omitempty"`
}

// Status 查询会话的倒计时状态。
//
// 到期时：标记 expired、顺手触发该持有者的释放、并通过响应
// 告知 UI 退出结算。释放是尽力而为——即便这里失败，
// 记录仍会被 Sweeper 回收。
func (c *Coordinator) Status(ctx context.Context, sessionID string) (*CountdownStatus, error) {
	ctx, span := c.tracer.Start(ctx, "checkout.SessionStatus")
	defer span.End()

	s, err := c.sessions.LookupSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			// 会话不存在即视为已结束
			return &CountdownStatus{SessionID: sessionID, Expired: true}, nil
		}
		return nil, err
	}

	now := c.now()
	remaining := s.ExpiresAt.Sub(now)
	if remaining <= 0 {
		span.AddEvent("Session expired, triggering holder release")
		if _, err := c.releaser.ReleaseAllForHolder(ctx, s.HolderID); err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("holder_id", s.HolderID).
				Msg("release on session expiry failed, sweeper will reconcile")
		}
		if err := c.sessions.DropSession(ctx, sessionID); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to drop expired session")
		}
		return &CountdownStatus{SessionID: sessionID, Expired: true}, nil
	}

	status := &CountdownStatus{
		SessionID:        sessionID,
		RemainingSeconds: int(remaining.Seconds()),
	}
	for _, threshold := range warnThresholds {
		if remaining <= threshold {
			status.Warning = int(threshold.Seconds())
		}
	}
	span.SetAttributes(attribute.Int("session.remaining_seconds", status.RemainingSeconds))
	return status, nil
}

// Abandon 处理显式的放弃信号（取消按钮或页面卸载通知）。
// 必须容忍同一会话的零次或多次信号：未知会话按成功处理。
func (c *Coordinator) Abandon(ctx context.Context, sessionID string) (int, error) {
	ctx, span := c.tracer.Start(ctx, "checkout.Abandon")
	defer span.End()

	s, err := c.sessions.LookupSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			// 重放或 Sweeper 已先行处理，空操作成功
			span.AddEvent("Unknown session, treating abandon as no-op")
			return 0, nil
		}
		return 0, err
	}

	released, err := c.releaser.ReleaseAllForHolder(ctx, s.HolderID)
	if err != nil {
		return 0, err
	}
	if err := c.sessions.DropSession(ctx, sessionID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("failed to drop abandoned session")
	}
	span.SetAttributes(attribute.Int("released.count", released))
	return released, nil
}
