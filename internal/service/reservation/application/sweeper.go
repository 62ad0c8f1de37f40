// internal/service/reservation/application/sweeper.go
package application

import (
	"context"
	"sync/atomic"
	"time"

	"atelier/internal/pkg/logger"
	"atelier/internal/pkg/metrics"
	"atelier/internal/service/reservation/domain"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Sweeper 是过期预留的兜底回收器。
// 过期完全由持久化的 expiresAt 驱动，不依赖任何进程内定时器，
// 因此进程重启后依然能找回所有到期的预留。
//
// 与自身并发执行是安全的：正确性依赖 release 的幂等，而非互斥。
type Sweeper struct {
	manager     *ReservationManager
	repo        domain.ReservationRepository
	batchSize   int
	parallelism int
	tracer      trace.Tracer
	now         func() time.Time
}

func NewSweeper(manager *ReservationManager, repo domain.ReservationRepository, batchSize, parallelism int, tracer trace.Tracer) *Sweeper {
	if batchSize <= 0 {
		batchSize = 200
	}
	if parallelism <= 0 {
		parallelism = 1
	}
	return &Sweeper{
		manager:     manager,
		repo:        repo,
		batchSize:   batchSize,
		parallelism: parallelism,
		tracer:      tracer,
		now:         time.Now,
	}
}

// RunPass 执行一轮清扫：找出所有已过租约仍为 ACTIVE 的预留并逐条释放。
// 每条释放相互独立，单条失败（如瞬时存储错误）只记日志跳过——
// 记录仍是 ACTIVE 且已过期，下一轮会自然重试。
// 返回本轮实际释放的条数。
func (s *Sweeper) RunPass(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "sweeper.RunPass")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.SweepPassDuration.Observe(time.Since(start).Seconds())
	}()

	expired, err := s.repo.FindExpired(ctx, s.now(), s.batchSize)
	if err != nil {
		span.RecordError(err)
		return 0, errors.Wrap(err, "sweeper: failed to list expired reservations")
	}
	span.SetAttributes(attribute.Int("sweep.candidates", len(expired)))
	if len(expired) == 0 {
		return 0, nil
	}

	var released atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.parallelism)
	for _, r := range expired {
		r := r
		g.Go(func() error {
			ok, err := s.manager.release(ctx, r.ID, releaseExpired)
			if err != nil {
				// 不中断整轮清扫；该记录仍是 ACTIVE 且已过期，下一轮重试
				logger.Ctx(ctx).Warn().Err(err).
					Str("reservation_id", r.ID).
					Str("variant_id", r.VariantID).
					Msg("sweeper failed to release reservation, will retry next pass")
				return nil
			}
			if ok {
				released.Add(1)
				metrics.SweepReleased.Inc()
			}
			return nil
		})
	}
	_ = g.Wait()

	count := int(released.Load())
	span.SetAttributes(attribute.Int("sweep.released", count))
	if count > 0 {
		logger.Ctx(ctx).Info().
			Int("released", count).
			Int("candidates", len(expired)).
			Msg("sweep pass completed")
	}
	return count, nil
}
