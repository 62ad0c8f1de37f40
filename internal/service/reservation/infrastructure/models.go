// internal/service/reservation/infrastructure/models.go
package infrastructure

import "time"

// VariantModel 对应 variants 表。
// 元数据（价格、图片等）归商品目录服务，这里只落库存计数相关的列。
type VariantModel struct {
	ID                string `gorm:"primaryKey;size:64"`
	ProductName       string `gorm:"size:255"`
	TotalStock        int    `gorm:"not null"`
	ReservedQty       int    `gorm:"not null;default:0"`
	LowStockThreshold int    `gorm:"not null;default:0"`
	UpdatedAt         time.Time
}

func (VariantModel) TableName() string { return "variants" }

// ReservationModel 对应 reservations 表。
type ReservationModel struct {
	ID             string `gorm:"primaryKey;size:36"`
	VariantID      string `gorm:"size:64;index:idx_variant"`
	HolderID       string `gorm:"size:128;index:idx_holder_state,priority:1"`
	Quantity       int    `gorm:"not null"`
	BackorderedQty int    `gorm:"not null;default:0"`
	State          string `gorm:"size:16;index:idx_holder_state,priority:2;index:idx_state_expiry,priority:1"`
	CreatedAt      time.Time
	ExpiresAt      time.Time `gorm:"index:idx_state_expiry,priority:2"`
	UpdatedAt      time.Time
}

func (ReservationModel) TableName() string { return "reservations" }
