// internal/service/reservation/infrastructure/adapter/broadcast_kafka_adapter.go
package adapter

import (
	"context"
	"encoding/json"

	"atelier/internal/pkg/mq"
	"atelier/internal/service/reservation/domain"

	"github.com/segmentio/kafka-go"
)

// KafkaBroadcaster 是 port.StockEventPublisher 的 Kafka 实现。
// 以变体 ID 作为消息 Key，同一变体的事件落在同一分区；
// 投递语义为 at-least-once，消费方必须把事件当作刷新提示而非权威数据。
type KafkaBroadcaster struct {
	writer *kafka.Writer
}

func NewKafkaBroadcaster(writer *kafka.Writer) *KafkaBroadcaster {
	return &KafkaBroadcaster{writer: writer}
}

func (b *KafkaBroadcaster) Publish(ctx context.Context, event domain.StockEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return mq.ProduceMessage(ctx, b.writer, []byte(event.VariantID), payload)
}

func (b *KafkaBroadcaster) Close() error {
	return b.writer.Close()
}
