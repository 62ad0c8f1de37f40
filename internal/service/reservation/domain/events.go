// internal/service/reservation/domain/events.go
package domain

import "time"

// StockEventKind 标识一次库存变化事件的类型。
type StockEventKind string

const (
	EventStockReserved StockEventKind = "stock-reserved"
	EventStockReleased StockEventKind = "stock-released"
	EventStockUpdated  StockEventKind = "stock-updated"
)

// StockEvent 是广播给店面浏览者的库存变化事件。
// 投递语义为 at-least-once 且与台账无序，消费方只能把它当作
// "该刷新了"的提示，权威数据永远以台账为准。
type StockEvent struct {
	Kind        StockEventKind `json:"kind"`
	VariantID   string         `json:"variantId"`
	ProductName string         `json:"productName"`
	// Delta 为本次预留/释放的数量变化（预留为负、释放为正，视角是可售库存）
	Delta     int `json:"delta"`
	Available int `json:"availableStock"`
	LowStock  bool `json:"lowStock,omitempty"`
	// ExcludeHolder 指定广播时要排除的持有者：
	// 引发事件的买家自己会通过同步响应拿到结果，不需要再收一次推送
	ExcludeHolder string    `json:"excludeHolder,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}
