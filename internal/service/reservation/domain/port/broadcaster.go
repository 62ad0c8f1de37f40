// internal/service/reservation/domain/port/broadcaster.go
package port

import (
	"context"

	"atelier/internal/service/reservation/domain"
)

// StockEventPublisher 是库存事件的发布端口。
// 发布是尽力而为的：失败只记日志，绝不影响预留事务的结果。
// 具体实现（Kafka）在启动时构造一次并显式注入，测试中可以替换为桩。
type StockEventPublisher interface {
	Publish(ctx context.Context, event domain.StockEvent) error
}
