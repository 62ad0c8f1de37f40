// internal/service/reservation/interfaces/sweep_cron.go
package interfaces

import (
	"context"
	"time"

	"atelier/internal/pkg/logger"
	"atelier/internal/pkg/zkutil"
	"atelier/internal/service/reservation/application"
)

// SweepCron 按固定间隔触发一轮清扫。
//
// 多副本部署时通过 ZooKeeper 的非阻塞锁避免同一时刻的重复清扫，
// 但这只是省力：拿不到锁就跳过本轮，锁不可用就直接清扫。
// 并发清扫的正确性由 release 的幂等保证，与锁无关。
type SweepCron struct {
	sweeper  *application.Sweeper
	interval time.Duration
	lock     *zkutil.TryLock // 可为 nil
}

func NewSweepCron(sweeper *application.Sweeper, interval time.Duration, lock *zkutil.TryLock) *SweepCron {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &SweepCron{
		sweeper:  sweeper,
		interval: interval,
		lock:     lock,
	}
}

// Run 是常驻任务入口，ctx 取消时退出。
func (c *SweepCron) Run(ctx context.Context) {
	logger.Ctx(ctx).Info().
		Dur("interval", c.interval).
		Msg("✅ Sweep cron started")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.tick(ctx)
		case <-ctx.Done():
			logger.Ctx(ctx).Info().Msg("🛑 Sweep cron shutting down")
			return
		}
	}
}

func (c *SweepCron) tick(ctx context.Context) {
	if c.lock != nil {
		acquired, err := c.lock.Acquire()
		if err != nil {
			// 锁服务不可用时继续清扫：宁可重复劳动也不能停止回收
			logger.Ctx(ctx).Warn().Err(err).Msg("zk lock unavailable, sweeping anyway")
		} else if !acquired {
			logger.Ctx(ctx).Debug().Msg("another instance is sweeping, skipping this tick")
			return
		} else {
			defer func() {
				if err := c.lock.Release(); err != nil {
					logger.Ctx(ctx).Warn().Err(err).Msg("failed to release sweep lock")
				}
			}()
		}
	}

	if _, err := c.sweeper.RunPass(ctx); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("scheduled sweep pass failed")
	}
}
