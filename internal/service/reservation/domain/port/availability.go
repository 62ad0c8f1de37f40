// internal/service/reservation/domain/port/availability.go
package port

import "context"

// AvailabilityCache 是可用库存的旁路镜像，用于在热点变体上
// 把注定失败的预留请求挡在事务存储之前。
// 它是纯粹的优化：未命中、过期或出错都回落到权威台账，
// 任何时候都不参与正确性判断。
type AvailabilityCache interface {
	// Precheck 返回 (hasStock, known)。known 为 false 表示镜像中
	// 没有该变体的数据，调用方应继续走权威路径。
	Precheck(ctx context.Context, variantID string) (hasStock bool, known bool, err error)

	// Refresh 在台账调整提交后回写最新可用库存
	Refresh(ctx context.Context, variantID string, available int) error
}
