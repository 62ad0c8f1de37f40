// internal/service/reservation/infrastructure/mapper.go
package infrastructure

import "atelier/internal/service/reservation/domain"

// ToDomainReservation 将数据库模型转换为领域模型。
func ToDomainReservation(m *ReservationModel) *domain.Reservation {
	return &domain.Reservation{
		ID:             m.ID,
		VariantID:      m.VariantID,
		HolderID:       m.HolderID,
		Quantity:       m.Quantity,
		BackorderedQty: m.BackorderedQty,
		State:          domain.State(m.State),
		CreatedAt:      m.CreatedAt,
		ExpiresAt:      m.ExpiresAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// FromDomainReservation 将领域模型转换为数据库模型。
func FromDomainReservation(r *domain.Reservation) *ReservationModel {
	return &ReservationModel{
		ID:             r.ID,
		VariantID:      r.VariantID,
		HolderID:       r.HolderID,
		Quantity:       r.Quantity,
		BackorderedQty: r.BackorderedQty,
		State:          string(r.State),
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      r.ExpiresAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// ToDomainVariant 将数据库模型转换为领域模型。
func ToDomainVariant(m *VariantModel) *domain.Variant {
	return &domain.Variant{
		ID:                m.ID,
		ProductName:       m.ProductName,
		TotalStock:        m.TotalStock,
		ReservedQty:       m.ReservedQty,
		LowStockThreshold: m.LowStockThreshold,
	}
}
