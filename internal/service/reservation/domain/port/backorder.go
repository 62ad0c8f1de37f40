// internal/service/reservation/domain/port/backorder.go
package port

import "context"

// BackorderFact 是缺货策略评估的输入。
type BackorderFact struct {
	// Requested 是买家请求的总数量
	Requested int
	// Granted 是本次实际从可用库存中拿到的数量
	Granted int
	// Available 是调整前的可用库存
	Available int
	// Total 是变体总库存
	Total int
	// Threshold 是变体的低库存阈值
	Threshold int
}

// BackorderPolicy 决定未满足的数量中有多少可以转为缺货补单。
// 业务上 backorder 的上限与批量折扣的关系尚未最终确认，
// 因此策略做成可配置的表达式而不是写死在代码里。
type BackorderPolicy interface {
	// MaxBackorder 返回允许转入 backorder 的最大数量，0 表示不允许
	MaxBackorder(ctx context.Context, fact BackorderFact) (int, error)
}
