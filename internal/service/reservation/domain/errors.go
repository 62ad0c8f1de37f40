// internal/service/reservation/domain/errors.go
package domain

import "errors"

var (
	// ErrOutOfStock 表示该变体当前可用库存为零，预留被整体拒绝
	ErrOutOfStock = errors.New("variant is out of stock")
	// ErrInsufficientStock 表示一次正向台账调整会把可用库存压到负数。
	// 它是 Adjust 的内部串行化信号，对外通常被转译为部分满足或 ErrOutOfStock。
	ErrInsufficientStock = errors.New("insufficient stock for requested adjustment")
	// ErrReservationNotFound 表示预留记录不存在
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationAlreadyFinalized 表示操作的目标已处于终态
	ErrReservationAlreadyFinalized = errors.New("reservation already finalized")
	// ErrVariantNotFound 表示商品变体不存在
	ErrVariantNotFound = errors.New("variant not found")
	// ErrInvalidRequest 表示参数非法（数量非正、缺少标识等）
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnauthorized 表示内部端点的凭证校验失败
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTransientStore 表示底层存储的瞬时故障，调用方可以安全重试
	ErrTransientStore = errors.New("transient store error")
)
