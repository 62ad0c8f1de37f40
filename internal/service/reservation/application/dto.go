// internal/service/reservation/application/dto.go
package application

import (
	"time"

	"atelier/internal/service/reservation/domain"
)

// ReserveCommand 是发起预留的应用层指令。
type ReserveCommand struct {
	VariantID string
	Quantity  int
	// HolderID 是已登录用户 ID 或游客会话 ID
	HolderID string
	// Lease 为 0 时使用配置的默认租约
	Lease time.Duration
}

// ReservationView 是对接口层暴露的预留视图。
type ReservationView struct {
	ID             string    `json:"id"`
	VariantID      string    `json:"variantId"`
	Quantity       int       `json:"quantity"`
	BackorderedQty int       `json:"backorderedQty,omitempty"`
	HolderID       string    `json:"holderId"`
	State          string    `json:"state"`
	ExpiresAt      time.Time `json:"expiresAt"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ToView 将领域实体转换为接口层视图。
func ToView(r *domain.Reservation) *ReservationView {
	if r == nil {
		return nil
	}
	return &ReservationView{
		ID:             r.ID,
		VariantID:      r.VariantID,
		Quantity:       r.Quantity,
		BackorderedQty: r.BackorderedQty,
		HolderID:       r.HolderID,
		State:          string(r.State),
		ExpiresAt:      r.ExpiresAt,
		CreatedAt:      r.CreatedAt,
	}
}
