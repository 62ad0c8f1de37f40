// internal/service/reservation/domain/reservation.go
package domain

import (
	"errors"
	"time"
)

// Reservation 是一个带租约的库存占用：为某个买家在结算期间
// 锁定一个变体的若干件库存。到期未完成结算的预留由 Sweeper 回收。
//
// Quantity 是实际占用台账的数量；BackorderedQty 是请求中超出
// 当时可用库存、被记为缺货补单的部分，它不占用台账，
// 也不参与 availableStock 的不变式。
// 预留数量只增不减：需要减量时走"释放再重建"。
type Reservation struct {
	ID             string
	VariantID      string
	Quantity       int
	BackorderedQty int
	// HolderID 是已登录用户 ID 或游客会话 ID
	HolderID  string
	State     State
	CreatedAt time.Time
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// NewReservation 创建一个 ACTIVE 状态的预留。
func NewReservation(id, variantID, holderID string, quantity, backordered int, lease time.Duration, now time.Time) (*Reservation, error) {
	if id == "" || variantID == "" || holderID == "" {
		return nil, errors.New("cannot create reservation with empty identifiers")
	}
	if quantity <= 0 {
		return nil, errors.New("reservation quantity must be positive")
	}
	return &Reservation{
		ID:             id,
		VariantID:      variantID,
		Quantity:       quantity,
		BackorderedQty: backordered,
		HolderID:       holderID,
		State:          StateActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(lease),
		UpdatedAt:      now,
	}, nil
}

// IsExpired 判断预留是否已超过租约时间。
func (r *Reservation) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// ExtendLease 重置租约到期时间。只有 ACTIVE 状态可以续期。
func (r *Reservation) ExtendLease(lease time.Duration, now time.Time) error {
	if r.State != StateActive {
		return ErrReservationAlreadyFinalized
	}
	r.ExpiresAt = now.Add(lease)
	r.UpdatedAt = now
	return nil
}

// MarkFulfilled 将预留转为 FULFILLED。
// 台账不回退：占用的库存已经永久划入订单。
func (r *Reservation) MarkFulfilled(now time.Time) error {
	if r.State != StateActive {
		return ErrReservationAlreadyFinalized
	}
	r.State = StateFulfilled
	r.UpdatedAt = now
	return nil
}

// MarkReleased 将预留转为 RELEASED（主动取消/放弃）。
func (r *Reservation) MarkReleased(now time.Time) error {
	if r.State != StateActive {
		return ErrReservationAlreadyFinalized
	}
	r.State = StateReleased
	r.UpdatedAt = now
	return nil
}

// MarkExpired 将预留转为 EXPIRED（Sweeper 回收）。
func (r *Reservation) MarkExpired(now time.Time) error {
	if r.State != StateActive {
		return ErrReservationAlreadyFinalized
	}
	r.State = StateExpired
	r.UpdatedAt = now
	return nil
}
