// internal/service/reservation/domain/repository.go
package domain

import (
	"context"
	"time"
)

// ReservationRepository 定义了预留记录的持久化接口。
// 它位于领域层，但由基础设施层实现。
type ReservationRepository interface {
	// Create 插入一条新的预留记录
	Create(ctx context.Context, r *Reservation) error

	// FindByID 根据 ID 查找预留
	FindByID(ctx context.Context, id string) (*Reservation, error)

	// FindByIDForUpdate 在事务内加行锁查找，用于状态流转前的读取
	FindByIDForUpdate(ctx context.Context, id string) (*Reservation, error)

	// Update 保存预留的状态变更
	Update(ctx context.Context, r *Reservation) error

	// FindActiveByHolder 查找某个持有者的全部 ACTIVE 预留
	FindActiveByHolder(ctx context.Context, holderID string) ([]*Reservation, error)

	// FindExpired 查找已过期但仍为 ACTIVE 的预留，最多 limit 条
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)
}

// StockLedger 是每个变体的权威库存计数器。
//
// Adjust 原子地对 reservedQty 施加 delta 并返回调整后的可用库存；
// 若正向 delta 会令可用库存为负，返回 ErrInsufficientStock 且不产生任何变更。
// 这是全系统唯一允许修改库存计数的入口——任何先读后写的方式
// 都会引入丢失更新竞争，一律禁止。
// Adjust 必须与同一业务操作中的预留记录写入处于同一事务边界内。
type StockLedger interface {
	Adjust(ctx context.Context, variantID string, delta int) (available int, err error)
}

// VariantReader 提供变体库存的只读访问（元数据归商品目录所有）。
type VariantReader interface {
	FindVariant(ctx context.Context, variantID string) (*Variant, error)

	// FindVariantForUpdate 在事务内加行锁读取。
	// 预留授予前必须用它：REPEATABLE READ 下普通 SELECT 读的是
	// 事务快照，台账竞争重试会反复看到同一份过期数据；
	// 锁定读既串行化并发授予，又保证重试看到的是已提交的最新状态。
	FindVariantForUpdate(ctx context.Context, variantID string) (*Variant, error)
}

// TxRunner 把一个函数包进数据存储的事务边界：
// fn 返回错误则整体回滚，台账调整与记录写入要么都生效要么都不生效。
// 实现通过 ctx 向仓储传递事务句柄。
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
