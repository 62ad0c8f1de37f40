// internal/service/reservation/application/service.go
package application

import (
	"context"
	"time"

	"atelier/internal/pkg/logger"
	"atelier/internal/pkg/metrics"
	"atelier/internal/service/reservation/domain"
	"atelier/internal/service/reservation/domain/port"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// maxGrantAttempts 限制单次预留在台账竞争下的重试次数。
// 每次失败都意味着并发提交消耗了库存，重读后按新的可用量重新授予。
const maxGrantAttempts = 3

// ReservationManager 是预留引擎的事务核心：
// 创建、续期、终结、释放预留，并保证台账调整与记录写入的原子性。
// 所有操作都可以被多个请求处理协程并发调用，
// 串行化只发生在台账的原子 Adjust 上。
type ReservationManager struct {
	repo      domain.ReservationRepository
	ledger    domain.StockLedger
	variants  domain.VariantReader
	tx        domain.TxRunner
	publisher port.StockEventPublisher
	policy    port.BackorderPolicy    // 可为 nil，表示关闭 backorder
	avail     port.AvailabilityCache // 可为 nil，预检是纯优化

	tracer       trace.Tracer
	defaultLease time.Duration
	maxLease     time.Duration
	now          func() time.Time
}

func NewReservationManager(
	repo domain.ReservationRepository,
	ledger domain.StockLedger,
	variants domain.VariantReader,
	tx domain.TxRunner,
	publisher port.StockEventPublisher,
	policy port.BackorderPolicy,
	avail port.AvailabilityCache,
	tracer trace.Tracer,
	defaultLease, maxLease time.Duration,
) *ReservationManager {
	return &ReservationManager{
		repo: repo, ledger: ledger, variants: variants, tx: tx,
		publisher: publisher, policy: policy, avail: avail,
		tracer: tracer, defaultLease: defaultLease, maxLease: maxLease,
		now: time.Now,
	}
}

// Reserve 为 holder 预留某个变体的 quantity 件库存。
//
// 可用库存足够时全额授予；不足但非零时授予可用部分，
// 剩余按策略转入 backorder 记在同一条预留上（只要还有库存就绝不整单拒绝）；
// 可用库存为零时返回 ErrOutOfStock。
// 台账调整与预留写入在同一事务内提交，提交后尽力广播 stock-reserved 事件。
func (m *ReservationManager) Reserve(ctx context.Context, cmd ReserveCommand) (*domain.Reservation, error) {
	ctx, span := m.tracer.Start(ctx, "reservation.Reserve")
	defer span.End()

	if cmd.Quantity <= 0 || cmd.VariantID == "" || cmd.HolderID == "" {
		metrics.ReservationsRejected.WithLabelValues("invalid").Inc()
		return nil, errors.Wrapf(domain.ErrInvalidRequest,
			"variantId=%q holderId=%q quantity=%d", cmd.VariantID, cmd.HolderID, cmd.Quantity)
	}
	lease := m.clampLease(cmd.Lease)

	span.SetAttributes(
		attribute.String("variant.id", cmd.VariantID),
		attribute.Int("reserve.quantity", cmd.Quantity),
	)

	// 热点变体预检：镜像明确显示无货时直接拒绝，省掉一次事务。
	// 镜像不可用或数据缺失都回落到权威台账。
	if m.avail != nil {
		if hasStock, known, err := m.avail.Precheck(ctx, cmd.VariantID); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("availability precheck failed, falling through to ledger")
		} else if known && !hasStock {
			span.AddEvent("Rejected by availability precheck")
			metrics.ReservationsRejected.WithLabelValues("out_of_stock").Inc()
			return nil, domain.ErrOutOfStock
		}
	}

	var (
		created        *domain.Reservation
		variant        *domain.Variant
		granted        int
		availableAfter int
	)
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		for attempt := 0; attempt < maxGrantAttempts; attempt++ {
			// 必须是锁定读：REPEATABLE READ 下普通读返回事务快照，
			// 重试会反复按同一份过期可用量做出注定失败的授予
			v, err := m.variants.FindVariantForUpdate(ctx, cmd.VariantID)
			if err != nil {
				return err
			}
			variant = v

			available := v.Available()
			if available <= 0 {
				return domain.ErrOutOfStock
			}

			granted = cmd.Quantity
			if granted > available {
				granted = available
			}
			backordered := 0
			// policy 为 nil 表示 backorder 功能整体关闭，超出部分按 0 处理
			if unmet := cmd.Quantity - granted; unmet > 0 && m.policy != nil {
				maxBo, err := m.policy.MaxBackorder(ctx, port.BackorderFact{
					Requested: cmd.Quantity,
					Granted:   granted,
					Available: available,
					Total:     v.TotalStock,
					Threshold: v.LowStockThreshold,
				})
				if err != nil {
					// 策略表达式出错按"不允许 backorder"处理，不阻断预留
					logger.Ctx(ctx).Warn().Err(err).Msg("backorder policy evaluation failed, granting available portion only")
					maxBo = 0
				}
				backordered = unmet
				if backordered > maxBo {
					backordered = maxBo
				}
			}

			after, err := m.ledger.Adjust(ctx, cmd.VariantID, granted)
			if errors.Is(err, domain.ErrInsufficientStock) {
				// 并发提交消耗了库存，重读后按新的可用量重试
				span.AddEvent("Ledger contention, re-reading availability",
					trace.WithAttributes(attribute.Int("attempt", attempt+1)))
				continue
			}
			if err != nil {
				return err
			}
			availableAfter = after

			r, err := domain.NewReservation(uuid.New().String(), cmd.VariantID, cmd.HolderID,
				granted, backordered, lease, m.now())
			if err != nil {
				return errors.Wrap(domain.ErrInvalidRequest, err.Error())
			}
			if err := m.repo.Create(ctx, r); err != nil {
				return err
			}
			created = r
			return nil
		}
		return errors.Wrap(domain.ErrInsufficientStock, "grant attempts exhausted under contention")
	})
	if err != nil {
		if errors.Is(err, domain.ErrOutOfStock) {
			metrics.ReservationsRejected.WithLabelValues("out_of_stock").Inc()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
		return nil, err
	}

	result := "full"
	if created.BackorderedQty > 0 || created.Quantity < cmd.Quantity {
		result = "partial"
	}
	metrics.ReservationsCreated.WithLabelValues(result).Inc()
	span.SetAttributes(
		attribute.Int("reserve.granted", created.Quantity),
		attribute.Int("reserve.backordered", created.BackorderedQty),
	)

	m.afterLedgerCommit(ctx, variant, domain.EventStockReserved, -granted, availableAfter, cmd.HolderID)
	return created, nil
}

// StockSnapshot 返回某变体的权威库存视图。
// 浏览端收到库存事件提示后通过它刷新真实数据。
func (m *ReservationManager) StockSnapshot(ctx context.Context, variantID string) (*domain.StockSnapshot, error) {
	if variantID == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "missing variantId")
	}
	v, err := m.variants.FindVariant(ctx, variantID)
	if err != nil {
		return nil, err
	}
	snap := v.Snapshot()
	return &snap, nil
}

// Extend 重置预留的租约到期时间。
func (m *ReservationManager) Extend(ctx context.Context, reservationID string, lease time.Duration) (*domain.Reservation, error) {
	ctx, span := m.tracer.Start(ctx, "reservation.Extend")
	defer span.End()

	if reservationID == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "missing reservationId")
	}
	lease = m.clampLease(lease)

	var extended *domain.Reservation
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := m.repo.FindByIDForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if err := r.ExtendLease(lease, m.now()); err != nil {
			return err
		}
		if err := m.repo.Update(ctx, r); err != nil {
			return err
		}
		extended = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return extended, nil
}

// Finalize 将预留转为 FULFILLED：库存已永久划入订单，台账不回退。
func (m *ReservationManager) Finalize(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	ctx, span := m.tracer.Start(ctx, "reservation.Finalize")
	defer span.End()

	if reservationID == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "missing reservationId")
	}

	var finalized *domain.Reservation
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := m.repo.FindByIDForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		if err := r.MarkFulfilled(m.now()); err != nil {
			return err
		}
		if err := m.repo.Update(ctx, r); err != nil {
			return err
		}
		finalized = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	metrics.ReservationsFinalized.Inc()
	return finalized, nil
}

// Release 将 ACTIVE 预留转为 RELEASED 并归还台账库存。
//
// 幂等：目标已是 RELEASED/EXPIRED 时返回 (false, nil) 而不是错误——
// 客户端放弃信号和 Sweeper 可能竞争释放同一条预留，这种竞争必须无害。
// 唯一的例外是 FULFILLED：已成交的预留不可释放，返回 ErrReservationAlreadyFinalized。
func (m *ReservationManager) Release(ctx context.Context, reservationID string) (bool, error) {
	return m.release(ctx, reservationID, releaseExplicit)
}

// ReleaseAllForHolder 释放某个持有者的全部 ACTIVE 预留，
// 用于结算会话结束（成交、取消或离开页面）。
// 返回实际释放的条数；单条失败不影响其余。
func (m *ReservationManager) ReleaseAllForHolder(ctx context.Context, holderID string) (int, error) {
	ctx, span := m.tracer.Start(ctx, "reservation.ReleaseAllForHolder")
	defer span.End()

	if holderID == "" {
		return 0, errors.Wrap(domain.ErrInvalidRequest, "missing holderId")
	}
	span.SetAttributes(attribute.String("holder.id", holderID))

	active, err := m.repo.FindActiveByHolder(ctx, holderID)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, r := range active {
		ok, err := m.release(ctx, r.ID, releaseHolderSweep)
		if err != nil {
			// 与过期清扫同理：失败的留给 Sweeper 兜底
			logger.Ctx(ctx).Warn().Err(err).
				Str("reservation_id", r.ID).
				Msg("failed to release reservation for holder, sweeper will retry")
			continue
		}
		if ok {
			released++
		}
	}
	span.SetAttributes(attribute.Int("released.count", released))
	return released, nil
}

// releaseCause 区分释放路径，用于指标与终态选择。
type releaseCause int

const (
	releaseExplicit releaseCause = iota
	releaseExpired
	releaseHolderSweep
)

func (c releaseCause) label() string {
	switch c {
	case releaseExpired:
		return "expired"
	case releaseHolderSweep:
		return "holder_sweep"
	default:
		return "explicit"
	}
}

func (m *ReservationManager) release(ctx context.Context, reservationID string, cause releaseCause) (bool, error) {
	ctx, span := m.tracer.Start(ctx, "reservation.Release",
		trace.WithAttributes(attribute.String("release.cause", cause.label())))
	defer span.End()

	var (
		released       *domain.Reservation
		availableAfter int
	)
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := m.repo.FindByIDForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		switch r.State {
		case domain.StateFulfilled:
			return domain.ErrReservationAlreadyFinalized
		case domain.StateReleased, domain.StateExpired:
			// 另一条路径已经释放过了，空操作成功
			span.AddEvent("Reservation already terminal, no-op")
			return nil
		}
		// 过期路径必须在行锁下复核租约：清扫候选名单生成后
		// 持有者可能刚刚续期，这样的预留要放过
		if cause == releaseExpired && !r.IsExpired(m.now()) {
			span.AddEvent("Lease renewed since sweep scan, skipping")
			return nil
		}

		after, err := m.ledger.Adjust(ctx, r.VariantID, -r.Quantity)
		if err != nil {
			return err
		}
		availableAfter = after

		now := m.now()
		if cause == releaseExpired {
			err = r.MarkExpired(now)
		} else {
			err = r.MarkReleased(now)
		}
		if err != nil {
			return err
		}
		if err := m.repo.Update(ctx, r); err != nil {
			return err
		}
		released = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if released == nil {
		return false, nil
	}

	metrics.ReservationsReleased.WithLabelValues(cause.label()).Inc()

	variant, vErr := m.variants.FindVariant(ctx, released.VariantID)
	if vErr != nil {
		logger.Ctx(ctx).Warn().Err(vErr).Msg("failed to load variant for release event")
		variant = &domain.Variant{ID: released.VariantID}
	}
	m.afterLedgerCommit(ctx, variant, domain.EventStockReleased, released.Quantity, availableAfter, released.HolderID)
	return true, nil
}

// afterLedgerCommit 执行台账调整提交后的旁路动作：
// 刷新可用量镜像、广播库存事件、在跨过低库存阈值时追加 stock-updated。
// 全部尽力而为，失败只记日志。
func (m *ReservationManager) afterLedgerCommit(ctx context.Context, variant *domain.Variant, kind domain.StockEventKind, delta, available int, excludeHolder string) {
	if m.avail != nil {
		if err := m.avail.Refresh(ctx, variant.ID, available); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to refresh availability mirror")
		}
	}
	if m.publisher == nil {
		return
	}

	lowStock := available <= variant.LowStockThreshold
	event := domain.StockEvent{
		Kind:          kind,
		VariantID:     variant.ID,
		ProductName:   variant.ProductName,
		Delta:         delta,
		Available:     available,
		LowStock:      lowStock,
		ExcludeHolder: excludeHolder,
		OccurredAt:    m.now(),
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("variant_id", variant.ID).
			Msg("failed to publish stock event, viewers will catch up on refresh")
		return
	}

	// 刚刚跨过低库存阈值时追加一条 stock-updated，驱动"仅剩 N 件"提示
	crossedDown := kind == domain.EventStockReserved && lowStock && available-delta > variant.LowStockThreshold
	if crossedDown {
		updated := event
		updated.Kind = domain.EventStockUpdated
		updated.ExcludeHolder = ""
		if err := m.publisher.Publish(ctx, updated); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("failed to publish low-stock update event")
		}
	}
}

func (m *ReservationManager) clampLease(lease time.Duration) time.Duration {
	if lease <= 0 {
		return m.defaultLease
	}
	if lease > m.maxLease {
		return m.maxLease
	}
	return lease
}
