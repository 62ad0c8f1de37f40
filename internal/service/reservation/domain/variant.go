// internal/service/reservation/domain/variant.go
package domain

// Variant 是可购买的最小单位（颜色/饰面/尺寸组合）。
// 商品目录服务拥有它的元数据；预留引擎只读取库存计数，
// 并且只通过台账的原子 Adjust 修改 ReservedQty。
type Variant struct {
	ID                string
	ProductName       string
	TotalStock        int
	ReservedQty       int
	LowStockThreshold int
}

// Available 返回可售库存。不变式：任何时刻都 >= 0。
func (v *Variant) Available() int {
	return v.TotalStock - v.ReservedQty
}

// StockSnapshot 是对外暴露的库存派生视图。
type StockSnapshot struct {
	VariantID   string `json:"variantId"`
	ProductName string `json:"productName"`
	TotalStock  int    `json:"totalStock"`
	Available   int    `json:"availableStock"`
	LowStock    bool   `json:"lowStock"`
}

// Snapshot 生成当前库存快照。
func (v *Variant) Snapshot() StockSnapshot {
	avail := v.Available()
	return StockSnapshot{
		VariantID:   v.ID,
		ProductName: v.ProductName,
		TotalStock:  v.TotalStock,
		Available:   avail,
		LowStock:    avail <= v.LowStockThreshold,
	}
}
